package instantsend

import (
	"errors"
	"fmt"
)

// Lock request errors.
var (
	ErrInvalidRequest    = errors.New("invalid lock request")
	ErrFeeTooLow         = errors.New("lock request fee too low")
	ErrAutoLockThrottled = errors.New("automatic lock not allowed")
	ErrConflictingLock   = errors.New("input already locked by another transaction")
	ErrKnownRequest      = errors.New("lock request already known")
	ErrLockTimedOut      = errors.New("lock candidate timed out")
	ErrUnknownCandidate  = errors.New("unknown lock candidate")

	// ErrMalformedRequest marks requests whose transaction is invalid in
	// itself. It wraps ErrInvalidRequest.
	ErrMalformedRequest = fmt.Errorf("%w: malformed", ErrInvalidRequest)
)

// Vote errors.
var (
	ErrInvalidVote       = errors.New("invalid lock vote")
	ErrDuplicateVote     = errors.New("duplicate lock vote")
	ErrUnknownOutpoint   = errors.New("voted outpoint not found")
	ErrUnknownMasternode = errors.New("unknown masternode")
	ErrBadSignature      = errors.New("bad vote signature")
	ErrRankOutOfRange    = errors.New("masternode not in quorum")
	ErrHeightOutOfRange  = errors.New("vote height out of range")
	ErrOrphanFlood       = errors.New("orphan vote rate exceeded")
	ErrVoteTableFull     = errors.New("vote table full")
	ErrNotMasternode     = errors.New("node is not an active masternode")
)

// Snapshot errors.
var (
	ErrVersionMismatch = errors.New("snapshot version mismatch")
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// Misbehavior scores reported to the network layer.
const (
	PenaltyBadSignature    = 20
	PenaltyRankOutOfRange  = 20
	PenaltyHeightAhead     = 10
	PenaltyRetentionFloor  = 5
	PenaltyOrphanFlood     = 1
	PenaltyMalformed       = 10
	PenaltyBadAnnouncement = 20
)
