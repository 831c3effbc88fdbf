package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ErrInsufficientInputs is returned when the spent inputs do not cover the
// outputs and fee.
var ErrInsufficientInputs = errors.New("inputs do not cover outputs and fee")

// Builder constructs transactions incrementally. Inputs added with Spend
// carry their value, which lets PayChange return the remainder.
type Builder struct {
	tx      *Transaction
	inValue uint64
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: 1},
	}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// Spend adds an input worth value.
func (b *Builder) Spend(prevOut types.Outpoint, value uint64) *Builder {
	b.inValue += value
	return b.AddInput(prevOut)
}

// AddOutput adds an output with a value and script.
func (b *Builder) AddOutput(value uint64, script types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

// PayTo adds a P2PKH output to addr.
func (b *Builder) PayTo(addr types.Address, value uint64) *Builder {
	return b.AddOutput(value, types.PayToAddress(addr))
}

// PayChange pays what the spent inputs bring in beyond the outputs and fee
// back to addr. Nothing is added when the inputs are used up exactly.
func (b *Builder) PayChange(addr types.Address, fee uint64) error {
	need := fee
	for _, out := range b.tx.Outputs {
		if need > math.MaxUint64-out.Value {
			return ErrOutputOverflow
		}
		need += out.Value
	}
	if b.inValue < need {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientInputs, b.inValue, need)
	}
	if change := b.inValue - need; change > 0 {
		b.PayTo(addr, change)
	}
	return nil
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// Sign signs all inputs with the provided private key.
// Each input gets the same signature (single-key spending).
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	pubKey := key.PublicKey()
	for i := range b.tx.Inputs {
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = pubKey
	}
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate, call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
