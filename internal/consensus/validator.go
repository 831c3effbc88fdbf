package consensus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ErrLockConflict is returned for a block that spends an outpoint already
// won by a different instant lock.
var ErrLockConflict = errors.New("transaction conflicts with an instant lock")

// LockFilter reports which transaction, if any, holds an instant lock on
// an outpoint.
type LockFilter interface {
	LockedOutpointOwner(op types.Outpoint) (types.Hash, bool)
}

// Validator validates blocks against consensus rules and, once a lock
// filter is set, against completed instant locks.
type Validator struct {
	engine Engine

	mu    sync.RWMutex
	locks LockFilter
}

// NewValidator creates a block validator with the given consensus engine.
func NewValidator(engine Engine) *Validator {
	return &Validator{engine: engine}
}

// SetLockFilter enables lock filtering. A nil filter disables it.
func (v *Validator) SetLockFilter(f LockFilter) {
	v.mu.Lock()
	v.locks = f
	v.mu.Unlock()
}

// ValidateBlock checks a block against both structural and consensus rules.
func (v *Validator) ValidateBlock(blk *block.Block) error {
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}
	if err := v.engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	return nil
}

// CheckLocks rejects a block carrying a transaction that spends an
// outpoint locked by another transaction. The filter takes its own lock,
// so callers must not hold the chain lock.
func (v *Validator) CheckLocks(blk *block.Block) error {
	v.mu.RLock()
	locks := v.locks
	v.mu.RUnlock()
	if locks == nil {
		return nil
	}

	for _, t := range blk.Transactions {
		if t.IsCoinbase() {
			continue
		}
		txHash := t.Hash()
		for _, in := range t.Inputs {
			owner, ok := locks.LockedOutpointOwner(in.PrevOut)
			if ok && owner != txHash {
				return fmt.Errorf("%w: tx %s spends %s locked by %s",
					ErrLockConflict, txHash.Short(), in.PrevOut.Short(), owner.Short())
			}
		}
	}
	return nil
}
