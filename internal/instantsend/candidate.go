package instantsend

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Candidate tracks the votes for one transaction. A candidate without a
// request is a shell created by an early vote; it waits for the request.
type Candidate struct {
	txHash          types.Hash
	request         *LockRequest
	confirmedHeight int64
	createdAt       time.Time
	failed          bool
	locks           map[types.Outpoint]*OutpointLock
}

func newCandidate(txHash types.Hash, req *LockRequest, now time.Time) *Candidate {
	return &Candidate{
		txHash:          txHash,
		request:         req,
		confirmedHeight: unconfirmed,
		createdAt:       now,
		locks:           make(map[types.Outpoint]*OutpointLock),
	}
}

// TxHash returns the hash of the transaction being locked.
func (c *Candidate) TxHash() types.Hash { return c.txHash }

// Request returns the lock request, or nil for a shell.
func (c *Candidate) Request() *LockRequest { return c.request }

// AddOutpointLock starts tracking votes for op.
func (c *Candidate) AddOutpointLock(op types.Outpoint) {
	if _, ok := c.locks[op]; !ok {
		c.locks[op] = NewOutpointLock(op)
	}
}

// OutpointLock returns the lock for op.
func (c *Candidate) OutpointLock(op types.Outpoint) (*OutpointLock, bool) {
	l, ok := c.locks[op]
	return l, ok
}

// Outpoints returns the tracked inputs in canonical order.
func (c *Candidate) Outpoints() []types.Outpoint {
	ops := make([]types.Outpoint, 0, len(c.locks))
	for op := range c.locks {
		ops = append(ops, op)
	}
	sortOutpoints(ops)
	return ops
}

// AddVote records v on the lock for its outpoint.
func (c *Candidate) AddVote(v *Vote) error {
	l, ok := c.locks[v.Outpoint]
	if !ok {
		return fmt.Errorf("%w: %s is not an input of %s", ErrInvalidVote, v.Outpoint.Short(), c.txHash.Short())
	}
	if !l.AddVote(v) {
		return fmt.Errorf("%w: masternode %s already voted on %s", ErrDuplicateVote,
			v.MasternodeOutpoint.Short(), v.Outpoint.Short())
	}
	return nil
}

// IsAllOutpointsReady reports whether every input has a quorum.
func (c *Candidate) IsAllOutpointsReady(required int) bool {
	if len(c.locks) == 0 {
		return false
	}
	for _, l := range c.locks {
		if !l.IsReady(required) {
			return false
		}
	}
	return true
}

// HasMasternodeVoted reports whether mn voted on input op.
func (c *Candidate) HasMasternodeVoted(op, mn types.Outpoint) bool {
	l, ok := c.locks[op]
	return ok && l.HasVoted(mn)
}

// MarkOutpointAsAttacked marks the lock for op as attacked. It reports
// whether the state changed.
func (c *Candidate) MarkOutpointAsAttacked(op types.Outpoint) bool {
	l, ok := c.locks[op]
	if !ok {
		return false
	}
	return l.MarkAsAttacked()
}

// CountVotes sums the votes over all inputs.
func (c *Candidate) CountVotes() int {
	n := 0
	for _, l := range c.locks {
		n += l.CountVotes()
	}
	return n
}

// IsExpired reports whether the transaction is buried more than keep blocks
// below height.
func (c *Candidate) IsExpired(height, keep uint64) bool {
	return c.confirmedHeight != unconfirmed && int64(height)-c.confirmedHeight > int64(keep)
}

// IsTimedOut reports whether the candidate is older than the lock timeout.
func (c *Candidate) IsTimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.createdAt) > timeout
}

// ConfirmedHeight returns the confirming block height, or -1.
func (c *Candidate) ConfirmedHeight() int64 { return c.confirmedHeight }

// SetConfirmedHeight records the confirming block height (-1 to clear).
func (c *Candidate) SetConfirmedHeight(h int64) { c.confirmedHeight = h }

// CreatedAt returns when the candidate was created.
func (c *Candidate) CreatedAt() time.Time { return c.createdAt }

// votes returns every vote held by the candidate.
func (c *Candidate) votes() []*Vote {
	var out []*Vote
	for _, op := range c.Outpoints() {
		out = append(out, c.locks[op].Votes()...)
	}
	return out
}
