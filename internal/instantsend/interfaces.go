package instantsend

import (
	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Registry is the masternode list as seen by the lock engine.
type Registry interface {
	FindByOutpoint(op types.Outpoint) (*masternode.Record, bool)
	Rank(op types.Outpoint, height uint64, minProto uint32) (int, error)
	Ban(op types.Outpoint, reason string)
}

// UTXOView resolves unspent outputs on the active chain.
type UTXOView interface {
	GetUTXO(op types.Outpoint) (*utxo.UTXO, error)
}

// ChainView is the read-only chain state the engine needs.
type ChainView interface {
	UTXOView
	Height() uint64
}

// Mempool is the subset of the transaction pool the engine touches.
type Mempool interface {
	UsedShare() float64
	RemoveConflicting(t *tx.Transaction) []types.Hash
}

// Network carries lock messages to peers and reports misbehavior.
// Peer identifiers are opaque strings; an empty string means the local node.
type Network interface {
	RelayLockRequest(req *LockRequest) error
	RelayVote(v *Vote) error
	Misbehaving(peer string, penalty int, reason string)
	AskForMasternode(peer string, op types.Outpoint)
}

// Notifier receives lock outcomes for wallets and operators.
type Notifier interface {
	TxLocked(txHash types.Hash)
	TxLockFailed(txHash types.Hash, reason string)
	OutpointAttacked(op types.Outpoint, txs []types.Hash)
}

// ActiveMasternode is the identity this node votes with.
type ActiveMasternode interface {
	IsActive() bool
	Outpoint() types.Outpoint
	Sign(hash []byte) ([]byte, error)
}

// Engine is the lock engine as used by the rest of the node.
type Engine interface {
	ProcessLockRequest(req *LockRequest, from string, manual bool) error
	SubmitLockRequest(t *tx.Transaction) error
	ProcessVote(v *Vote, from string) error

	IsLocked(txHash types.Hash) bool
	IsTimedOut(txHash types.Hash) bool
	SignatureCount(txHash types.Hash) int
	LockedOutpointOwner(op types.Outpoint) (types.Hash, bool)
	AlreadyHave(hash types.Hash) bool
	GetLockRequest(txHash types.Hash) (*LockRequest, bool)
	GetVote(hash types.Hash) (*Vote, bool)
	Relay(txHash types.Hash) error
	Info() Info

	OnBlockConnected(blk *block.Block)
	OnBlockDisconnected(blk *block.Block)
	RunMaintenance()
	Clear()
}

var _ Engine = (*Manager)(nil)
