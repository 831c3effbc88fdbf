package rpc

import (
	"encoding/hex"

	"github.com/Klingon-tech/klingnet-instantsend/internal/instantsend"
	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeRejected       = -32001 // lock request or transaction refused
	CodeUnavailable    = -32002 // subsystem not enabled on this node
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single block or tx hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// OutpointParam names an output either as "txid:index" in Outpoint or
// by its parts.
type OutpointParam struct {
	Outpoint string `json:"outpoint,omitempty"`
	TxID     string `json:"tx_id,omitempty"`
	Index    uint32 `json:"index"`
}

// AddressParam is used by utxo_getByAddress.
type AddressParam struct {
	Address string `json:"address"`
}

// TxSubmitParam is used by tx_submit and instantsend_submit.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
	// InstantLock also asks the masternode quorum to lock the transaction
	// (tx_submit only; instantsend_submit always does).
	InstantLock bool `json:"instant_lock,omitempty"`
}

// EventsParam is used by instantsend_getEvents. Both fields are optional.
type EventsParam struct {
	Since uint64 `json:"since"`
	Limit int    `json:"limit"`
}

// ── Block/Tx result types ───────────────────────────────────────────────

// BlockResult wraps a block with its precomputed hash for RPC responses.
type BlockResult struct {
	Hash         string        `json:"hash"`
	Header       *block.Header `json:"header"`
	Transactions []*TxResult   `json:"transactions"`
}

// TxResult wraps a transaction with its precomputed hash for RPC responses.
type TxResult struct {
	Hash     string      `json:"hash"`
	Version  uint32      `json:"version"`
	Inputs   []tx.Input  `json:"inputs"`
	Outputs  []tx.Output `json:"outputs"`
	LockTime uint64      `json:"locktime"`

	// Filled by chain_getTransaction.
	BlockHeight   *uint64 `json:"block_height,omitempty"`
	InMempool     bool    `json:"in_mempool,omitempty"`
	InstantLocked bool    `json:"instant_locked,omitempty"`
}

// NewBlockResult creates a BlockResult from a block, precomputing all hashes.
func NewBlockResult(b *block.Block) *BlockResult {
	txResults := make([]*TxResult, len(b.Transactions))
	for i, t := range b.Transactions {
		txResults[i] = NewTxResult(t)
	}
	return &BlockResult{
		Hash:         b.Hash().String(),
		Header:       b.Header,
		Transactions: txResults,
	}
}

// NewTxResult creates a TxResult from a transaction, precomputing its hash.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:     t.Hash().String(),
		Version:  t.Version,
		Inputs:   t.Inputs,
		Outputs:  t.Outputs,
		LockTime: t.LockTime,
	}
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID     string `json:"chain_id"`
	Symbol      string `json:"symbol,omitempty"`
	Height      uint64 `json:"height"`
	TipHash     string `json:"tip_hash"`
	GenesisHash string `json:"genesis_hash"`
	Supply      uint64 `json:"supply"`
}

// UTXOListResult is returned by utxo_getByAddress.
type UTXOListResult struct {
	Address string       `json:"address"`
	UTXOs   []*utxo.UTXO `json:"utxos"`
}

// UTXOResult is returned by utxo_get.
type UTXOResult struct {
	*utxo.UTXO
	Confirmations uint64 `json:"confirmations"`
	// LockedBy is the transaction holding an instant lock on the output.
	LockedBy string `json:"locked_by,omitempty"`
}

// TxSubmitResult is returned by tx_submit and instantsend_submit.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
	Fee    uint64 `json:"fee"`

	LockRequested bool `json:"lock_requested"`
	// LockError explains why an instant lock was not started.
	LockError string `json:"lock_error,omitempty"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count      int     `json:"count"`
	MaxSize    int     `json:"max_size"`
	UsedShare  float64 `json:"used_share"`
	MinFeeRate uint64  `json:"min_fee_rate"`
}

// MempoolContentResult is returned by mempool_getContent.
type MempoolContentResult struct {
	Hashes []string `json:"hashes"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID              string `json:"id"`
	ConnectedAt     string `json:"connected_at"`
	Source          string `json:"source,omitempty"`
	ProtocolVersion uint32 `json:"protocol_version,omitempty"`
	BestHeight      uint64 `json:"best_height"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// ── Masternode results ──────────────────────────────────────────────────

// MasternodeEntry describes a known masternode.
type MasternodeEntry struct {
	Outpoint         string `json:"outpoint"`
	PubKey           string `json:"pubkey"`
	Addr             string `json:"addr"`
	ProtocolVersion  uint32 `json:"protocol_version"`
	SigTime          int64  `json:"sig_time"`
	CollateralHeight uint64 `json:"collateral_height"`
	LastSeen         int64  `json:"last_seen"`
	Banned           bool   `json:"banned"`
	BanReason        string `json:"ban_reason,omitempty"`
	// Rank at the current tip, 0 when the masternode is not eligible.
	Rank int `json:"rank,omitempty"`
}

// NewMasternodeEntry converts a registry record.
func NewMasternodeEntry(rec *masternode.Record) MasternodeEntry {
	return MasternodeEntry{
		Outpoint:         rec.Outpoint().String(),
		PubKey:           hex.EncodeToString(rec.PubKey()),
		Addr:             rec.Announcement.Addr,
		ProtocolVersion:  rec.Announcement.ProtocolVersion,
		SigTime:          rec.Announcement.SigTime,
		CollateralHeight: rec.CollateralHeight,
		LastSeen:         rec.LastSeen,
		Banned:           rec.PoSeBanned,
		BanReason:        rec.BanReason,
	}
}

// MasternodeListResult is returned by masternode_list.
type MasternodeListResult struct {
	Total       int               `json:"total"`
	Enabled     int               `json:"enabled"`
	Masternodes []MasternodeEntry `json:"masternodes"`
}

// MasternodeStatusResult is returned by masternode_status.
type MasternodeStatusResult struct {
	Enabled  bool   `json:"enabled"`
	Active   bool   `json:"active"`
	Outpoint string `json:"outpoint,omitempty"`
	PubKey   string `json:"pubkey,omitempty"`
	Status   string `json:"status"`
}

// ── InstantSend results ─────────────────────────────────────────────────

// LockStatusResult is returned by instantsend_isLocked.
type LockStatusResult struct {
	TxHash     string `json:"tx_hash"`
	Locked     bool   `json:"locked"`
	TimedOut   bool   `json:"timed_out"`
	Signatures int    `json:"signatures"`
	Required   int    `json:"required"`
}

// LockedOutpointResult is returned by instantsend_getLockedOutpoint.
type LockedOutpointResult struct {
	Outpoint string `json:"outpoint"`
	Locked   bool   `json:"locked"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// SignatureCountResult is returned by instantsend_signatureCount.
// Signatures is -1 when no lock is being collected for the transaction.
type SignatureCountResult struct {
	TxHash     string `json:"tx_hash"`
	Signatures int    `json:"signatures"`
}

// RelayResult is returned by instantsend_relay.
type RelayResult struct {
	TxHash  string `json:"tx_hash"`
	Relayed bool   `json:"relayed"`
}

// EventsResult is returned by instantsend_getEvents.
type EventsResult struct {
	LastSeq uint64              `json:"last_seq"`
	Events  []instantsend.Event `json:"events"`
}
