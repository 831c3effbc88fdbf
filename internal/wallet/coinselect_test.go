package wallet

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

func makeUTXOs(values ...uint64) []*utxo.UTXO {
	utxos := make([]*utxo.UTXO, len(values))
	for i, v := range values {
		utxos[i] = &utxo.UTXO{
			Outpoint: types.Outpoint{TxID: types.Hash{byte(i + 1)}, Index: 0},
			Value:    v,
			Height:   1,
		}
	}
	return utxos
}

func noFee(int, int) uint64 { return 0 }

// perInput charges 100 per input.
func perInput(n, _ int) uint64 { return 100 * uint64(n) }

func TestSelectCoins_ExactMatch(t *testing.T) {
	sel, err := SelectCoins(makeUTXOs(1000, 2000, 3000), 2000, noFee)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if sel.Total != 2000 || sel.Change != 0 {
		t.Errorf("total = %d change = %d, want 2000/0", sel.Total, sel.Change)
	}
	if len(sel.Inputs) != 1 {
		t.Errorf("inputs = %d, want 1 (exact single match)", len(sel.Inputs))
	}
}

func TestSelectCoins_SingleCoversFee(t *testing.T) {
	// 3000 does not cover 3000 + 100; 5000 does.
	sel, err := SelectCoins(makeUTXOs(3000, 5000), 3000, perInput)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if sel.Total != 5000 || sel.Fee != 100 || sel.Change != 1900 {
		t.Errorf("total=%d fee=%d change=%d", sel.Total, sel.Fee, sel.Change)
	}
}

func TestSelectCoins_LargestFirst(t *testing.T) {
	// Target = 7000. No single UTXO covers it.
	// Largest-first: 5000 + 3000 = 8000 (change=1000).
	sel, err := SelectCoins(makeUTXOs(1000, 3000, 5000, 2000), 7000, noFee)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if sel.Total != 8000 || sel.Change != 1000 || len(sel.Inputs) != 2 {
		t.Errorf("total=%d change=%d inputs=%d", sel.Total, sel.Change, len(sel.Inputs))
	}
}

func TestSelectCoins_FeeGrowsWithInputs(t *testing.T) {
	// 5000 + 3000 covers 7850 only before the second input's fee.
	sel, err := SelectCoins(makeUTXOs(5000, 3000, 1000), 7850, perInput)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if len(sel.Inputs) != 3 || sel.Fee != 300 || sel.Change != 850 {
		t.Errorf("inputs=%d fee=%d change=%d", len(sel.Inputs), sel.Fee, sel.Change)
	}
}

func TestSelectCoins_PrefersLessChange(t *testing.T) {
	sel, err := SelectCoins(makeUTXOs(1000, 2000, 3000, 5000), 3000, noFee)
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	if sel.Change != 0 || len(sel.Inputs) != 1 {
		t.Errorf("change=%d inputs=%d, want exact 3000 match", sel.Change, len(sel.Inputs))
	}
}

func TestSelectCoins_Errors(t *testing.T) {
	if _, err := SelectCoins(makeUTXOs(1000, 2000), 5000, noFee); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got: %v", err)
	}
	if _, err := SelectCoins(makeUTXOs(1000), 1000, perInput); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("fee not accounted for: %v", err)
	}
	if _, err := SelectCoins(nil, 1000, noFee); !errors.Is(err, ErrNoUTXOs) {
		t.Errorf("expected ErrNoUTXOs, got: %v", err)
	}
	if _, err := SelectCoins(makeUTXOs(0, 0, 0), 1000, noFee); !errors.Is(err, ErrNoUTXOs) {
		t.Errorf("expected ErrNoUTXOs for all-zero UTXOs, got: %v", err)
	}
	if _, err := SelectCoins(makeUTXOs(1000), 0, noFee); err == nil {
		t.Error("zero amount should fail")
	}
}

func TestSpendable(t *testing.T) {
	utxos := makeUTXOs(10, 10, 10, 10)
	immature, mature, locked, plain := utxos[0], utxos[1], utxos[2], utxos[3]
	immature.Coinbase, immature.Height = true, 95
	mature.Coinbase, mature.Height = true, 10

	got := Spendable(utxos, 100, func(op types.Outpoint) bool {
		return op == locked.Outpoint
	})
	if len(got) != 2 || got[0] != mature || got[1] != plain {
		t.Errorf("spendable = %v", got)
	}
	if len(Spendable(utxos, 100, nil)) != 3 {
		t.Error("nil lock check should only drop immature coinbase")
	}
}

func TestBuildPayment(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	defer key.Zero()

	sel, err := SelectCoins(makeUTXOs(100, 50), 120, func(int, int) uint64 { return 10 })
	if err != nil {
		t.Fatalf("SelectCoins: %v", err)
	}
	payment, err := BuildPayment(key, sel, types.Address{9}, 120)
	if err != nil {
		t.Fatalf("BuildPayment: %v", err)
	}
	if len(payment.Inputs) != 2 || len(payment.Outputs) != 2 {
		t.Fatalf("inputs=%d outputs=%d", len(payment.Inputs), len(payment.Outputs))
	}
	if payment.Outputs[0].Value != 120 || payment.Outputs[1].Value != 20 {
		t.Errorf("outputs = %d, %d", payment.Outputs[0].Value, payment.Outputs[1].Value)
	}

	exact := &CoinSelection{Inputs: sel.Inputs, Total: 150, Fee: 10}
	noChange, err := BuildPayment(key, exact, types.Address{9}, 140)
	if err != nil {
		t.Fatalf("BuildPayment exact: %v", err)
	}
	if len(noChange.Outputs) != 1 {
		t.Errorf("exact payment has %d outputs, want 1", len(noChange.Outputs))
	}

	if _, err := BuildPayment(key, exact, types.Address{9}, 150); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}
