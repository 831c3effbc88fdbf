package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-instantsend/internal/mempool"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	return &ChainInfoResult{
		ChainID:     s.genesis.ChainID,
		Symbol:      s.genesis.Symbol,
		Height:      s.chain.Height(),
		TipHash:     s.chain.TipHash().String(),
		GenesisHash: s.chain.GenesisHash().String(),
		Supply:      s.chain.Supply(),
	}, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	hash, rpcErr := parseHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	blk, err := s.chain.GetBlock(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetBlockByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	blk, err := s.chain.GetBlockByHeight(params.Height)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found at height %d: %v", params.Height, err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetTransaction(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	txHash, rpcErr := parseHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var result *TxResult
	if t := s.pool.Get(txHash); t != nil {
		result = NewTxResult(t)
		result.InMempool = true
	} else {
		t, height, err := s.chain.GetTransaction(txHash)
		if err != nil {
			return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
		}
		result = NewTxResult(t)
		result.BlockHeight = &height
	}
	if s.locks != nil {
		result.InstantLocked = s.locks.IsLocked(txHash)
	}
	return result, nil
}

// ── UTXO endpoints ──────────────────────────────────────────────────────

func (s *Server) handleUTXOGet(req *Request) (interface{}, *Error) {
	var params OutpointParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	op, rpcErr := params.outpoint()
	if rpcErr != nil {
		return nil, rpcErr
	}

	u, err := s.utxos.Get(op)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("utxo not found: %v", err)}
	}
	result := &UTXOResult{UTXO: u, Confirmations: u.Confirmations(s.chain.Height())}
	if s.locks != nil {
		if owner, ok := s.locks.LockedOutpointOwner(op); ok {
			result.LockedBy = owner.String()
		}
	}
	return result, nil
}

func (s *Server) handleUTXOGetByAddress(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid address: %v", err)}
	}

	utxos, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get utxos: %v", err)}
	}
	return &UTXOListResult{
		Address: params.Address,
		UTXOs:   utxos,
	}, nil
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}
	if params.InstantLock && s.locks == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "instantsend is not enabled"}
	}
	return s.submit(params.Transaction, params.InstantLock)
}

// submit adds t to the mempool, broadcasts it and optionally asks for an
// instant lock. A transaction already in the pool may still be locked.
func (s *Server) submit(t *tx.Transaction, lock bool) (*TxSubmitResult, *Error) {
	txHash := t.Hash()
	result := &TxSubmitResult{TxHash: txHash.String()}

	fee, err := s.pool.Add(t)
	switch {
	case err == nil:
		result.Fee = fee
		if s.p2pNode != nil {
			if err := s.p2pNode.BroadcastTx(t); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
			}
		}
	case errors.Is(err, mempool.ErrAlreadyExists) && lock:
		result.Fee = s.pool.GetFee(txHash)
	default:
		return nil, &Error{Code: CodeRejected, Message: fmt.Sprintf("rejected: %v", err)}
	}

	if !lock {
		return result, nil
	}
	if err := s.locks.SubmitLockRequest(t); err != nil {
		result.LockError = err.Error()
		s.logger.Info().Err(err).Str("tx", txHash.Short()).Msg("Lock request not started")
		return result, nil
	}
	result.LockRequested = true
	return result, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(_ *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		Count:      s.pool.Count(),
		MaxSize:    s.pool.MaxSize(),
		UsedShare:  s.pool.UsedShare(),
		MinFeeRate: s.pool.MinFeeRate(),
	}, nil
}

func (s *Server) handleMempoolGetContent(_ *Request) (interface{}, *Error) {
	hashes := s.pool.Hashes()
	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}
	return &MempoolContentResult{
		Hashes: hexHashes,
	}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:              p.ID.String(),
			ConnectedAt:     p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Source:          p.Source,
			ProtocolVersion: p.ProtocolVersion,
			BestHeight:      p.BestHeight,
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.banManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

// parseHash decodes a required 32-byte hex hash.
func parseHash(s string) (types.Hash, *Error) {
	if s == "" {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != types.HashSize {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}
	var h types.Hash
	copy(h[:], b)
	return h, nil
}

// outpoint resolves either form of an OutpointParam.
func (p *OutpointParam) outpoint() (types.Outpoint, *Error) {
	if p.Outpoint != "" {
		op, err := types.ParseOutpoint(p.Outpoint)
		if err != nil {
			return types.Outpoint{}, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid outpoint: %v", err)}
		}
		return op, nil
	}
	if p.TxID == "" {
		return types.Outpoint{}, &Error{Code: CodeInvalidParams, Message: "outpoint or tx_id is required"}
	}
	txID, err := parseHash(p.TxID)
	if err != nil {
		return types.Outpoint{}, &Error{Code: CodeInvalidParams, Message: "invalid tx_id: must be 32-byte hex"}
	}
	return types.Outpoint{TxID: txID, Index: p.Index}, nil
}
