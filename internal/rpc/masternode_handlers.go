package rpc

import (
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
)

// Masternode states reported by masternode_status.
const (
	statusDisabled   = "not a masternode"
	statusActive     = "active"
	statusBanned     = "pose-banned"
	statusNotSeen    = "waiting for announcement"
	statusKeyChanged = "registered with a different key"
)

func (s *Server) requireRegistry() *Error {
	if s.registry == nil {
		return &Error{Code: CodeUnavailable, Message: "masternode registry is not enabled"}
	}
	return nil
}

// entry converts a record and ranks it in the quorum seeded at the tip.
func (s *Server) entry(rec *masternode.Record) MasternodeEntry {
	e := NewMasternodeEntry(rec)
	minProto := s.genesis.Protocol.InstantSend.MinProtocolVersion
	if rank, err := s.registry.Rank(rec.Outpoint(), s.chain.Height(), minProto); err == nil {
		e.Rank = rank
	}
	return e
}

func (s *Server) handleMasternodeList(_ *Request) (interface{}, *Error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}

	records := s.registry.List()
	entries := make([]MasternodeEntry, len(records))
	for i := range records {
		entries[i] = s.entry(&records[i])
	}
	total, enabled := s.registry.Count()
	return &MasternodeListResult{
		Total:       total,
		Enabled:     enabled,
		Masternodes: entries,
	}, nil
}

func (s *Server) handleMasternodeGetInfo(req *Request) (interface{}, *Error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	var params OutpointParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	op, rpcErr := params.outpoint()
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec, ok := s.registry.FindByOutpoint(op)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("masternode %s not found", op)}
	}
	e := s.entry(rec)
	return &e, nil
}

func (s *Server) handleMasternodeStatus(_ *Request) (interface{}, *Error) {
	if s.active == nil {
		return &MasternodeStatusResult{Status: statusDisabled}, nil
	}

	op := s.active.Outpoint()
	result := &MasternodeStatusResult{
		Enabled:  true,
		Active:   s.active.IsActive(),
		Outpoint: op.String(),
		PubKey:   hex.EncodeToString(s.active.PubKey()),
	}

	switch {
	case result.Active:
		result.Status = statusActive
	case s.registry == nil:
		result.Status = statusNotSeen
	default:
		rec, ok := s.registry.FindByOutpoint(op)
		switch {
		case !ok:
			result.Status = statusNotSeen
		case rec.PoSeBanned:
			result.Status = statusBanned
		default:
			result.Status = statusKeyChanged
		}
	}
	return result, nil
}
