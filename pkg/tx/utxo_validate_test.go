package tx

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

func TestValidateWithUTXOs(t *testing.T) {
	key := mustKey(t)
	ops := []types.Outpoint{{TxID: types.Hash{0x01}}, {TxID: types.Hash{0x02}, Index: 4}}

	t.Run("valid", func(t *testing.T) {
		tx, provider := signedSpend(t, key, ops, 5000, 9000)
		fee, err := tx.ValidateWithUTXOs(provider)
		if err != nil {
			t.Fatalf("ValidateWithUTXOs: %v", err)
		}
		if fee != 1000 {
			t.Errorf("fee = %d, want 1000", fee)
		}
	})

	t.Run("missing input", func(t *testing.T) {
		tx, provider := signedSpend(t, key, ops, 5000, 9000)
		delete(provider, ops[1])
		if _, err := tx.ValidateWithUTXOs(provider); !errors.Is(err, ErrInputNotFound) {
			t.Errorf("got %v, want ErrInputNotFound", err)
		}
	})

	t.Run("outputs exceed inputs", func(t *testing.T) {
		tx, provider := signedSpend(t, key, ops, 5000, 10001)
		if _, err := tx.ValidateWithUTXOs(provider); !errors.Is(err, ErrInsufficientFee) {
			t.Errorf("got %v, want ErrInsufficientFee", err)
		}
	})

	t.Run("owner mismatch", func(t *testing.T) {
		tx, provider := signedSpend(t, key, ops, 5000, 9000)
		provider[ops[0]] = mockUTXO{value: 5000, script: types.PayToAddress(types.Address{0x99})}
		if _, err := tx.ValidateWithUTXOs(provider); !errors.Is(err, ErrScriptMismatch) {
			t.Errorf("got %v, want ErrScriptMismatch", err)
		}
	})

	t.Run("non-standard input", func(t *testing.T) {
		tx, provider := signedSpend(t, key, ops, 5000, 9000)
		provider[ops[0]] = mockUTXO{value: 5000, script: types.Script{Type: types.ScriptTypeP2SH, Data: make([]byte, 20)}}
		if _, err := tx.ValidateWithUTXOs(provider); !errors.Is(err, ErrNonStandardInput) {
			t.Errorf("got %v, want ErrNonStandardInput", err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		tx, provider := signedSpend(t, key, ops, 5000, 9000)
		tx.Inputs[1].Signature[0] ^= 0xff
		if _, err := tx.ValidateWithUTXOs(provider); !errors.Is(err, ErrInvalidSig) {
			t.Errorf("got %v, want ErrInvalidSig", err)
		}
	})
}

func TestInputValue(t *testing.T) {
	key := mustKey(t)
	ops := []types.Outpoint{{TxID: types.Hash{0x01}}, {TxID: types.Hash{0x02}}, {TxID: types.Hash{0x03}}}
	tx, provider := signedSpend(t, key, ops, 700, 1)
	got, err := tx.InputValue(provider)
	if err != nil {
		t.Fatalf("InputValue: %v", err)
	}
	if got != 2100 {
		t.Errorf("InputValue = %d, want 2100", got)
	}
}
