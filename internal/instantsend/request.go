// Package instantsend implements transaction locking: a rank-selected
// quorum of masternodes votes on each input of a transaction, and once every
// input has enough votes the transaction is locked and can no longer be
// double spent on this node.
package instantsend

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// LockRequest asks the network to lock the inputs of a transaction.
type LockRequest struct {
	Tx *tx.Transaction `json:"transaction"`
}

// NewLockRequest wraps t in a lock request.
func NewLockRequest(t *tx.Transaction) *LockRequest {
	return &LockRequest{Tx: t}
}

// Hash returns the hash of the wrapped transaction.
func (r *LockRequest) Hash() types.Hash {
	return r.Tx.Hash()
}

// MinFee returns the smallest fee a request with this shape must pay.
func (r *LockRequest) MinFee(rules config.InstantSendRules) uint64 {
	return tx.EstimateLockFee(len(r.Tx.Inputs), len(r.Tx.Outputs), rules.MinLockFee, rules.LockFeeRate)
}

// IsSimple reports whether the request is small enough to be locked
// automatically.
func (r *LockRequest) IsSimple(rules config.InstantSendRules) bool {
	return len(r.Tx.Inputs) <= rules.MaxInputsForAutoLock
}

// MaxSignatures is the largest number of votes the request can collect.
func (r *LockRequest) MaxSignatures(rules config.InstantSendRules) int {
	return len(r.Tx.Inputs) * rules.SignaturesTotal
}

// Validate checks the request against the UTXO view at tip height.
// It returns the transaction fee.
func (r *LockRequest) Validate(view UTXOView, rules config.InstantSendRules, tip uint64) (uint64, error) {
	if r == nil || r.Tx == nil {
		return 0, fmt.Errorf("%w: no transaction", ErrInvalidRequest)
	}
	t := r.Tx
	if t.IsCoinbase() {
		return 0, fmt.Errorf("%w: coinbase", ErrMalformedRequest)
	}
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if err := t.CheckStandardOutputs(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var total uint64
	for i, in := range t.Inputs {
		u, err := utxo.GetConfirmed(view, in.PrevOut, tip, rules.MinInputConfirmations)
		if err != nil && !errors.Is(err, utxo.ErrUnconfirmed) {
			return 0, fmt.Errorf("%w: input %d (%s): %v", ErrInvalidRequest, i, in.PrevOut.Short(), err)
		}
		if u.Script.Type != types.ScriptTypeP2PKH {
			return 0, fmt.Errorf("%w: input %d spends %s output", ErrInvalidRequest, i, u.Script.Type)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: input %d: %v", ErrInvalidRequest, i, err)
		}
		if total > math.MaxUint64-u.Value {
			return 0, fmt.Errorf("%w: input value overflow", ErrInvalidRequest)
		}
		total += u.Value
	}
	if rules.MaxLockValue > 0 && total > rules.MaxLockValue {
		return 0, fmt.Errorf("%w: input value %d exceeds %d", ErrInvalidRequest, total, rules.MaxLockValue)
	}

	fee, err := t.ValidateWithUTXOs(viewProvider{view})
	if tx.IsInvalid(err) {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if min := r.MinFee(rules); fee < min {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrFeeTooLow, fee, min)
	}
	return fee, nil
}

// MarshalJSON encodes the request in its wire form.
func (r *LockRequest) MarshalJSON() ([]byte, error) {
	type plain LockRequest
	return json.Marshal((*plain)(r))
}

// UnmarshalJSON decodes a request and rejects one without a transaction.
func (r *LockRequest) UnmarshalJSON(data []byte) error {
	type plain LockRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Tx == nil {
		return errors.New("lock request without transaction")
	}
	*r = LockRequest(p)
	return nil
}

// viewProvider adapts a UTXOView to tx.UTXOProvider.
type viewProvider struct {
	view UTXOView
}

func (p viewProvider) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	u, err := p.view.GetUTXO(op)
	if err != nil {
		return 0, types.Script{}, fmt.Errorf("%w: %v", tx.ErrInputNotFound, err)
	}
	return u.Value, u.Script, nil
}

func (p viewProvider) HasUTXO(op types.Outpoint) bool {
	_, err := p.view.GetUTXO(op)
	return err == nil
}
