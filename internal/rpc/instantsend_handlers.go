package rpc

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-instantsend/internal/instantsend"
)

// maxEvents caps one instantsend_getEvents page.
const maxEvents = 500

func (s *Server) requireLocks() *Error {
	if s.locks == nil {
		return &Error{Code: CodeUnavailable, Message: "instantsend is not enabled"}
	}
	return nil
}

func (s *Server) handleInstantSendSubmit(req *Request) (interface{}, *Error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	result, rpcErr := s.submit(params.Transaction, true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !result.LockRequested {
		return nil, &Error{Code: CodeRejected, Message: "lock rejected: " + result.LockError, Data: result}
	}
	return result, nil
}

func (s *Server) handleInstantSendIsLocked(req *Request) (interface{}, *Error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	txHash, rpcErr := parseHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return &LockStatusResult{
		TxHash:     txHash.String(),
		Locked:     s.locks.IsLocked(txHash),
		TimedOut:   s.locks.IsTimedOut(txHash),
		Signatures: s.locks.SignatureCount(txHash),
		Required:   s.genesis.Protocol.InstantSend.SignaturesRequired,
	}, nil
}

func (s *Server) handleInstantSendGetLockedOutpoint(req *Request) (interface{}, *Error) {
	if err := s.requireLocks(); err != nil {
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

	result := &LockedOutpointResult{Outpoint: op.String()}
	if owner, ok := s.locks.LockedOutpointOwner(op); ok {
		result.Locked = true
		result.TxHash = owner.String()
	}
	return result, nil
}

func (s *Server) handleInstantSendSignatureCount(req *Request) (interface{}, *Error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	txHash, rpcErr := parseHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return &SignatureCountResult{
		TxHash:     txHash.String(),
		Signatures: s.locks.SignatureCount(txHash),
	}, nil
}

func (s *Server) handleInstantSendGetInfo(_ *Request) (interface{}, *Error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	info := s.locks.Info()
	return &info, nil
}

func (s *Server) handleInstantSendRelay(req *Request) (interface{}, *Error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	txHash, rpcErr := parseHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.locks.Relay(txHash); err != nil {
		if errors.Is(err, instantsend.ErrUnknownCandidate) {
			return nil, &Error{Code: CodeNotFound, Message: err.Error()}
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("relay: %v", err)}
	}
	return &RelayResult{TxHash: txHash.String(), Relayed: true}, nil
}

func (s *Server) handleInstantSendGetEvents(req *Request) (interface{}, *Error) {
	if s.events == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "instantsend events are not enabled"}
	}
	var params EventsParam
	if err := parseOptionalParams(req, &params); err != nil {
		return nil, err
	}
	if params.Limit <= 0 || params.Limit > maxEvents {
		params.Limit = maxEvents
	}

	return &EventsResult{
		LastSeq: s.events.LastSeq(),
		Events:  s.events.Since(params.Since, params.Limit),
	}, nil
}
