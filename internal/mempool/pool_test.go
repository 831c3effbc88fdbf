package mempool

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// mockUTXOs is a simple in-memory UTXO provider for tests.
type mockUTXOs struct {
	utxos map[types.Outpoint]mockUTXO
}

type mockUTXO struct {
	value  uint64
	script types.Script
}

func newMockUTXOs() *mockUTXOs {
	return &mockUTXOs{utxos: make(map[types.Outpoint]mockUTXO)}
}

func (m *mockUTXOs) add(op types.Outpoint, value uint64, addr types.Address) {
	m.utxos[op] = mockUTXO{value: value, script: types.PayToAddress(addr)}
}

func (m *mockUTXOs) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	u, ok := m.utxos[op]
	if !ok {
		return 0, types.Script{}, fmt.Errorf("not found")
	}
	return u.value, u.script, nil
}

func (m *mockUTXOs) HasUTXO(op types.Outpoint) bool {
	_, ok := m.utxos[op]
	return ok
}

type mockLocks map[types.Outpoint]types.Hash

func (m mockLocks) LockedOutpointOwner(op types.Outpoint) (types.Hash, bool) {
	h, ok := m[op]
	return h, ok
}

func op(b byte) types.Outpoint {
	return types.Outpoint{TxID: types.Hash{b}, Index: 0}
}

// buildTx creates a signed transaction spending the given outpoint.
func buildTx(t *testing.T, key *crypto.PrivateKey, prevOut types.Outpoint, outputValue uint64) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().
		AddInput(prevOut).
		PayTo(types.Address{0x42}, outputValue)
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return b.Build()
}

// fundedPool returns a pool whose provider holds one output per value,
// at outpoints op(1), op(2), ...
func fundedPool(t *testing.T, maxSize int, values ...uint64) (*Pool, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	utxos := newMockUTXOs()
	for i, v := range values {
		utxos.add(op(byte(i+1)), v, key.Address())
	}
	return New(utxos, maxSize), key
}

func TestPool_Add(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000)
	transaction := buildTx(t, key, op(1), 4000)

	fee, err := pool.Add(transaction)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if fee != 1000 {
		t.Errorf("fee = %d, want 1000", fee)
	}
	if pool.Count() != 1 {
		t.Errorf("count = %d, want 1", pool.Count())
	}
	if got := pool.GetFee(transaction.Hash()); got != 1000 {
		t.Errorf("GetFee = %d, want 1000", got)
	}
	if got := pool.GetFee(types.Hash{0xff}); got != 0 {
		t.Errorf("GetFee for unknown = %d, want 0", got)
	}
}

func TestPool_Add_Duplicate(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000)
	transaction := buildTx(t, key, op(1), 4000)

	if _, err := pool.Add(transaction); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := pool.Add(transaction)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got: %v", err)
	}
}

func TestPool_Add_DoubleSpend(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000)

	tx1 := buildTx(t, key, op(1), 4000)
	tx2 := buildTx(t, key, op(1), 3000)

	if _, err := pool.Add(tx1); err != nil {
		t.Fatalf("Add tx1: %v", err)
	}
	_, err := pool.Add(tx2)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got: %v", err)
	}
	if h, ok := pool.SpentBy(op(1)); !ok || h != tx1.Hash() {
		t.Error("SpentBy should report the first spender")
	}
}

func TestPool_Add_PoolFull(t *testing.T) {
	pool, key := fundedPool(t, 2, 5000, 5000, 5000)

	pool.Add(buildTx(t, key, op(1), 4000))
	pool.Add(buildTx(t, key, op(2), 4000))

	_, err := pool.Add(buildTx(t, key, op(3), 4000))
	if !errors.Is(err, ErrPoolFull) {
		t.Errorf("expected ErrPoolFull, got: %v", err)
	}
	if share := pool.UsedShare(); share != 1 {
		t.Errorf("UsedShare = %f, want 1", share)
	}
}

func TestPool_Add_ValidationFailure(t *testing.T) {
	pool, key := fundedPool(t, 100)

	_, err := pool.Add(buildTx(t, key, op(1), 1000))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got: %v", err)
	}
	if !errors.Is(err, tx.ErrInputNotFound) {
		t.Errorf("cause not wrapped: %v", err)
	}
	if tx.IsInvalid(err) {
		t.Errorf("missing input reported as invalid transaction: %v", err)
	}
}

func TestPool_Add_LockedInput(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000)

	winner := buildTx(t, key, op(1), 4000)
	loser := buildTx(t, key, op(1), 3500)
	pool.SetLockChecker(mockLocks{op(1): winner.Hash()})

	_, err := pool.Add(loser)
	if !errors.Is(err, ErrLockedInput) {
		t.Fatalf("expected ErrLockedInput, got: %v", err)
	}
	if _, err := pool.Add(winner); err != nil {
		t.Fatalf("lock owner should be accepted: %v", err)
	}
}

func TestPool_Add_CoinbaseMaturity(t *testing.T) {
	key, _ := crypto.GenerateKey()
	db := storage.NewMemory()
	set := utxo.NewStore(db)
	if err := set.Put(&utxo.UTXO{
		Outpoint: op(1),
		Value:    5000,
		Script:   types.PayToAddress(key.Address()),
		Height:   10,
		Coinbase: true,
	}); err != nil {
		t.Fatalf("put utxo: %v", err)
	}

	height := uint64(15)
	pool := New(utxo.NewProvider(set), 100)
	pool.SetCoinbaseMaturity(20, func() uint64 { return height }, set)

	spend := buildTx(t, key, op(1), 4000)
	if _, err := pool.Add(spend); !errors.Is(err, ErrCoinbaseNotMature) {
		t.Fatalf("expected ErrCoinbaseNotMature, got: %v", err)
	}

	height = 30
	if _, err := pool.Add(spend); err != nil {
		t.Fatalf("mature coinbase spend should pass: %v", err)
	}
}

func TestPool_Remove_ClearsConflictIndex(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000)

	tx1 := buildTx(t, key, op(1), 4000)
	pool.Add(tx1)
	pool.Remove(tx1.Hash())

	if pool.Has(tx1.Hash()) {
		t.Error("Has should return false after Remove")
	}
	if _, ok := pool.SpentBy(op(1)); ok {
		t.Error("spend index should be cleared")
	}

	// Should now be able to add a different tx spending the same outpoint.
	if _, err := pool.Add(buildTx(t, key, op(1), 3000)); err != nil {
		t.Fatalf("Add after Remove should succeed: %v", err)
	}
}

func TestPool_RemoveConfirmed(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000, 3000)

	tx1 := buildTx(t, key, op(1), 4000)
	tx2 := buildTx(t, key, op(2), 2000)
	pool.Add(tx1)
	pool.Add(tx2)

	// A block confirms a different spend of op(2): tx2 must go too.
	other := buildTx(t, key, op(2), 1500)
	pool.RemoveConfirmed([]*tx.Transaction{tx1, other})

	if pool.Count() != 0 {
		t.Errorf("count = %d, want 0", pool.Count())
	}
}

func TestPool_RemoveConflicting(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000, 3000)

	pooled := buildTx(t, key, op(1), 4000)
	unrelated := buildTx(t, key, op(2), 2000)
	pool.Add(pooled)
	pool.Add(unrelated)

	locked := buildTx(t, key, op(1), 4500)
	evicted := pool.RemoveConflicting(locked)
	if len(evicted) != 1 || evicted[0] != pooled.Hash() {
		t.Fatalf("evicted = %v, want [%s]", evicted, pooled.Hash())
	}
	if !pool.Has(unrelated.Hash()) {
		t.Error("unrelated tx should stay")
	}

	// The transaction itself is never treated as its own conflict.
	if got := pool.RemoveConflicting(unrelated); len(got) != 0 {
		t.Errorf("self should not conflict, evicted %v", got)
	}
}

func TestPool_SelectForBlock(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000, 3000, 8000)

	tx1 := buildTx(t, key, op(1), 4000) // fee 1000
	tx2 := buildTx(t, key, op(2), 2500) // fee 500
	tx3 := buildTx(t, key, op(3), 5000) // fee 3000
	pool.Add(tx1)
	pool.Add(tx2)
	pool.Add(tx3)

	selected := pool.SelectForBlock(2)
	if len(selected) != 2 {
		t.Fatalf("selected %d, want 2", len(selected))
	}
	if selected[0].Hash() != tx3.Hash() {
		t.Error("highest fee-rate tx should be first")
	}
	if selected[1].Hash() != tx1.Hash() {
		t.Error("second highest fee-rate tx should be second")
	}

	if all := pool.SelectForBlock(100); len(all) != 3 {
		t.Errorf("selected %d, want 3", len(all))
	}
}

func TestPool_Evict(t *testing.T) {
	pool, key := fundedPool(t, 5, 5000, 6000, 7000, 8000, 9000)
	for i := 1; i <= 5; i++ {
		pool.Add(buildTx(t, key, op(byte(i)), 4000))
	}
	if pool.Count() != 5 {
		t.Fatalf("count = %d, want 5", pool.Count())
	}

	if evicted := pool.Evict(); evicted != 0 {
		t.Errorf("evicted = %d, want 0 below capacity", evicted)
	}

	pool.maxSize = 3
	if evicted := pool.Evict(); evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	// The two cheapest spends (op 1 and 2) are gone.
	if _, ok := pool.SpentBy(op(1)); ok {
		t.Error("lowest fee-rate tx should be evicted")
	}
	if _, ok := pool.SpentBy(op(5)); !ok {
		t.Error("highest fee-rate tx should remain")
	}
}

func TestPool_EvictLowestFeeRate(t *testing.T) {
	pool, key := fundedPool(t, 2, 2000, 4000, 8000)

	tx1 := buildTx(t, key, op(1), 1000) // fee 1000
	tx2 := buildTx(t, key, op(2), 1000) // fee 3000
	if _, err := pool.Add(tx1); err != nil {
		t.Fatalf("Add tx1: %v", err)
	}
	if _, err := pool.Add(tx2); err != nil {
		t.Fatalf("Add tx2: %v", err)
	}

	tx3 := buildTx(t, key, op(3), 1000) // fee 7000
	if _, err := pool.Add(tx3); err != nil {
		t.Fatalf("Add tx3: %v", err)
	}
	if pool.Has(tx1.Hash()) {
		t.Error("tx1 should have been evicted (lowest fee rate)")
	}
	if !pool.Has(tx2.Hash()) || !pool.Has(tx3.Hash()) {
		t.Error("tx2 and tx3 should be present")
	}
}

func TestPool_AddDisconnected(t *testing.T) {
	pool, key := fundedPool(t, 2, 5000, 6000, 7000)

	pooled := buildTx(t, key, op(1), 4000)
	pool.Add(pooled)

	conflicting := buildTx(t, key, op(1), 4500)
	missing := buildTx(t, key, op(9), 100)
	b := buildTx(t, key, op(2), 5000) // fee 1000
	c := buildTx(t, key, op(3), 5000) // fee 2000

	added := pool.AddDisconnected([]*tx.Transaction{conflicting, missing, b, c})
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	// Three valid entries against a capacity of two: the cheapest leaves.
	if pool.Count() != 2 {
		t.Errorf("count = %d, want 2", pool.Count())
	}
	if !pool.Has(c.Hash()) {
		t.Error("highest fee-rate tx should remain after eviction")
	}
}

func TestPool_MinFeeRate(t *testing.T) {
	pool, key := fundedPool(t, 100, 5000, 5000)
	size := uint64(len(buildTx(t, key, op(1), 4000).SigningBytes()))

	// Fee is 1000: one rate above 1000/size rejects, one at or below accepts.
	pool.SetMinFeeRate(1000/size + 1)
	if _, err := pool.Add(buildTx(t, key, op(1), 4000)); !errors.Is(err, ErrFeeTooLow) {
		t.Errorf("expected ErrFeeTooLow, got: %v", err)
	}

	pool.SetMinFeeRate(1000 / size)
	if pool.MinFeeRate() != 1000/size {
		t.Errorf("MinFeeRate = %d", pool.MinFeeRate())
	}
	if _, err := pool.Add(buildTx(t, key, op(2), 4000)); err != nil {
		t.Errorf("Add should pass: %v", err)
	}
}

func TestNew_DefaultMaxSize(t *testing.T) {
	pool := New(newMockUTXOs(), 0)
	if pool.MaxSize() != DefaultMaxSize {
		t.Errorf("maxSize = %d, want %d", pool.MaxSize(), DefaultMaxSize)
	}
	if pool.UsedShare() != 0 {
		t.Errorf("empty pool UsedShare = %f", pool.UsedShare())
	}
}

func TestPolicy_Check(t *testing.T) {
	key, _ := crypto.GenerateKey()
	transaction := buildTx(t, key, op(1), 1000)

	policy := DefaultPolicy()
	if err := policy.Check(transaction); err != nil {
		t.Errorf("valid tx should pass policy: %v", err)
	}

	policy.MaxTxSize = 1
	if err := policy.Check(transaction); err == nil {
		t.Error("oversized tx should fail policy")
	}
}

func TestPolicy_Check_NonStandard(t *testing.T) {
	transaction := &tx.Transaction{
		Inputs:  []tx.Input{{PrevOut: op(1), Signature: []byte("s"), PubKey: []byte("k")}},
		Outputs: []tx.Output{{Value: 1000, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{1, 2, 3}}}},
	}
	policy := DefaultPolicy()
	if err := policy.Check(transaction); !errors.Is(err, tx.ErrNonStandardOutput) {
		t.Errorf("expected ErrNonStandardOutput, got: %v", err)
	}
	policy.RequireStandard = false
	if err := policy.Check(transaction); err != nil {
		t.Errorf("relaxed policy should pass: %v", err)
	}
}

func TestPolicy_Check_Limits(t *testing.T) {
	inputs := make([]tx.Input, config.MaxTxInputs+1)
	for i := range inputs {
		inputs[i] = tx.Input{
			PrevOut:   types.Outpoint{TxID: types.Hash{byte(i >> 8), byte(i)}, Index: uint32(i)},
			Signature: []byte("s"),
			PubKey:    []byte("k"),
		}
	}
	outputs := make([]tx.Output, config.MaxTxOutputs+1)
	for i := range outputs {
		outputs[i] = tx.Output{Value: 1, Script: types.Script{Type: types.ScriptTypeP2PKH}}
	}

	tests := []struct {
		name string
		tx   *tx.Transaction
		want string
	}{
		{
			name: "too many inputs",
			tx: &tx.Transaction{
				Inputs:  inputs,
				Outputs: []tx.Output{{Value: 1000, Script: types.Script{Type: types.ScriptTypeP2PKH}}},
			},
			want: "too many inputs",
		},
		{
			name: "too many outputs",
			tx: &tx.Transaction{
				Inputs:  []tx.Input{{PrevOut: op(1), Signature: []byte("s"), PubKey: []byte("k")}},
				Outputs: outputs,
			},
			want: "too many outputs",
		},
		{
			name: "script data too large",
			tx: &tx.Transaction{
				Inputs: []tx.Input{{PrevOut: op(1), Signature: []byte("s"), PubKey: []byte("k")}},
				Outputs: []tx.Output{{
					Value:  1000,
					Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, config.MaxScriptData+1)},
				}},
			},
			want: "script data too large",
		},
	}
	policy := DefaultPolicy()
	policy.MaxTxSize = 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Check(tt.tx)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q error, got: %v", tt.want, err)
			}
		})
	}
}
