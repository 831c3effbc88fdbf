package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound    = errors.New("input UTXO not found")
	ErrInsufficientFee  = errors.New("insufficient fee")
	ErrInputOverflow    = errors.New("input values overflow")
	ErrScriptMismatch   = errors.New("pubkey does not match UTXO script")
	ErrNonStandardInput = errors.New("input does not spend a P2PKH output")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value uint64, script types.Script, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs performs full validation of a transaction against the UTXO set.
// It checks that all inputs exist, spend P2PKH outputs owned by the input's
// pubkey, carry valid signatures, and that inputs >= outputs.
// Returns the fee (inputs - outputs).
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider) (uint64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}

	totalInput, err := tx.InputValue(provider)
	if err != nil {
		return 0, err
	}

	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, err := tx.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutputOverflow, err)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}
	return totalInput - totalOutput, nil
}

// InputValue sums the values of the spent outputs, checking ownership of
// each P2PKH output along the way. Coinbase inputs contribute nothing.
func (tx *Transaction) InputValue(provider UTXOProvider) (uint64, error) {
	var total uint64
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}
		value, script, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if script.Type != types.ScriptTypeP2PKH {
			return 0, fmt.Errorf("input %d (%s): %w: %s", i, in.PrevOut, ErrNonStandardInput, script.Type)
		}
		if err := verifyP2PKH(in.PubKey, script.Data); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if total > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		total += value
	}
	return total, nil
}

// verifyP2PKH checks that a public key hashes to the expected address in the script.
func verifyP2PKH(pubKey []byte, scriptData []byte) error {
	if len(scriptData) != types.AddressSize {
		return fmt.Errorf("%w: script data length %d", ErrScriptMismatch, len(scriptData))
	}
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}
	var expected types.Address
	copy(expected[:], scriptData)
	if derived := crypto.AddressFromPubKey(pubKey); derived != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrScriptMismatch, expected, derived)
	}
	return nil
}
