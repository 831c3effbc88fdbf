package instantsend

import (
	"sort"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// LockState is the attack state of an outpoint lock.
type LockState uint8

const (
	// LockStateNormal counts votes toward the quorum.
	LockStateNormal LockState = iota
	// LockStateAttacked means votes were seen for a conflicting spend.
	// The lock can never become ready again.
	LockStateAttacked
)

// String returns the state name.
func (s LockState) String() string {
	switch s {
	case LockStateNormal:
		return "normal"
	case LockStateAttacked:
		return "attacked"
	default:
		return "unknown"
	}
}

// OutpointLock collects the votes for one input of a lock candidate.
type OutpointLock struct {
	outpoint types.Outpoint
	votes    map[types.Outpoint]*Vote // by masternode outpoint
	state    LockState
}

// NewOutpointLock creates an empty lock for op.
func NewOutpointLock(op types.Outpoint) *OutpointLock {
	return &OutpointLock{
		outpoint: op,
		votes:    make(map[types.Outpoint]*Vote),
	}
}

// Outpoint returns the locked input.
func (l *OutpointLock) Outpoint() types.Outpoint { return l.outpoint }

// State returns the attack state.
func (l *OutpointLock) State() LockState { return l.state }

// AddVote records v. It returns false if the masternode already voted.
func (l *OutpointLock) AddVote(v *Vote) bool {
	if _, ok := l.votes[v.MasternodeOutpoint]; ok {
		return false
	}
	l.votes[v.MasternodeOutpoint] = v
	return true
}

// HasVoted reports whether the masternode voted on this input.
func (l *OutpointLock) HasVoted(mn types.Outpoint) bool {
	_, ok := l.votes[mn]
	return ok
}

// CountVotes returns the number of votes, or 0 once attacked.
func (l *OutpointLock) CountVotes() int {
	if l.state == LockStateAttacked {
		return 0
	}
	return len(l.votes)
}

// IsReady reports whether the input has a quorum.
func (l *OutpointLock) IsReady(required int) bool {
	return l.state == LockStateNormal && len(l.votes) >= required
}

// MarkAsAttacked moves the lock to the attacked state. It reports whether
// the state changed.
func (l *OutpointLock) MarkAsAttacked() bool {
	if l.state == LockStateAttacked {
		return false
	}
	l.state = LockStateAttacked
	return true
}

// IsAttacked reports whether a conflicting spend was seen.
func (l *OutpointLock) IsAttacked() bool { return l.state == LockStateAttacked }

// Votes returns the recorded votes ordered by masternode outpoint.
func (l *OutpointLock) Votes() []*Vote {
	out := make([]*Vote, 0, len(l.votes))
	for _, v := range l.votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return outpointLess(out[i].MasternodeOutpoint, out[j].MasternodeOutpoint)
	})
	return out
}

func outpointLess(a, b types.Outpoint) bool {
	if c := a.TxID.Compare(b.TxID); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

func sortOutpoints(ops []types.Outpoint) {
	sort.Slice(ops, func(i, j int) bool { return outpointLess(ops[i], ops[j]) })
}

func sortHashes(hs []types.Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Compare(hs[j]) < 0 })
}
