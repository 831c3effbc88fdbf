package utxo

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) types.Outpoint {
	return types.Outpoint{
		TxID:  crypto.Hash([]byte(data)),
		Index: index,
	}
}

func makeUTXO(data string, index uint32, value uint64) *UTXO {
	addr := types.Address{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		0x11, 0x12, 0x13, 0x14}
	return &UTXO{
		Outpoint: makeOutpoint(data, index),
		Value:    value,
		Script: types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: addr[:],
		},
		Height: 1,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 5000)

	err := s.Put(u)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if got.Value != u.Value {
		t.Errorf("Value = %d, want %d", got.Value, u.Value)
	}
	if got.Outpoint != u.Outpoint {
		t.Error("Outpoint mismatch")
	}
	if got.Height != u.Height {
		t.Errorf("Height = %d, want %d", got.Height, u.Height)
	}
}

func TestStore_GetNonexistent(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(makeOutpoint("missing", 0))
	if err == nil {
		t.Error("Get() for nonexistent UTXO should return error")
	}
}

func TestStore_Has(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	ok, _ := s.Has(u.Outpoint)
	if ok {
		t.Error("Has() should be false before Put()")
	}

	s.Put(u)

	ok, err := s.Has(u.Outpoint)
	if err != nil {
		t.Fatalf("Has() error: %v", err)
	}
	if !ok {
		t.Error("Has() should be true after Put()")
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	s.Put(u)

	err := s.Delete(u.Outpoint)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	ok, _ := s.Has(u.Outpoint)
	if ok {
		t.Error("UTXO should be gone after Delete()")
	}
}

func TestStore_MultipleOutputs(t *testing.T) {
	s := testStore(t)

	// Same tx, different output indices.
	u0 := makeUTXO("tx1", 0, 1000)
	u1 := makeUTXO("tx1", 1, 2000)
	u2 := makeUTXO("tx1", 2, 3000)

	s.Put(u0)
	s.Put(u1)
	s.Put(u2)

	got0, _ := s.Get(u0.Outpoint)
	got1, _ := s.Get(u1.Outpoint)
	got2, _ := s.Get(u2.Outpoint)

	if got0.Value != 1000 || got1.Value != 2000 || got2.Value != 3000 {
		t.Error("values mismatch for multi-output tx")
	}

	// Delete middle one.
	s.Delete(u1.Outpoint)

	ok, _ := s.Has(u1.Outpoint)
	if ok {
		t.Error("deleted output should be gone")
	}

	// Others should remain.
	ok0, _ := s.Has(u0.Outpoint)
	ok2, _ := s.Has(u2.Outpoint)
	if !ok0 || !ok2 {
		t.Error("non-deleted outputs should remain")
	}
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(makeOutpoint("gone", 3))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() err = %v, want storage.ErrNotFound", err)
	}
}

func TestStore_AddressIndex(t *testing.T) {
	s := testStore(t)
	u1 := makeUTXO("a1", 0, 100)
	u2 := makeUTXO("a2", 1, 200)
	other := makeUTXO("b1", 0, 300)
	other.Script = types.PayToAddress(types.Address{0xee})
	nullData := &UTXO{
		Outpoint: makeOutpoint("op-return", 0),
		Script:   types.Script{Type: types.ScriptTypeNullData, Data: []byte("memo")},
	}
	for _, u := range []*UTXO{u1, u2, other, nullData} {
		if err := s.Put(u); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
	}

	var addr types.Address
	copy(addr[:], u1.Script.Data)
	got, err := s.GetByAddress(addr)
	if err != nil {
		t.Fatalf("GetByAddress() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByAddress() = %d UTXOs, want 2", len(got))
	}

	s.Delete(u1.Outpoint)
	got, _ = s.GetByAddress(addr)
	if len(got) != 1 || got[0].Outpoint != u2.Outpoint {
		t.Errorf("GetByAddress() after delete = %v, want only %s", got, u2.Outpoint)
	}
}

func TestStore_CountAndClearAll(t *testing.T) {
	s := testStore(t)
	for i := uint32(0); i < 5; i++ {
		s.Put(makeUTXO("count", i, uint64(i+1)*10))
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 5 {
		t.Fatalf("Count() = %d, want 5", n)
	}

	var total uint64
	s.ForEach(func(u *UTXO) error {
		total += u.Value
		return nil
	})
	if total != 150 {
		t.Errorf("ForEach total = %d, want 150", total)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error: %v", err)
	}
	n, _ = s.Count()
	if n != 0 {
		t.Errorf("Count() after ClearAll = %d, want 0", n)
	}
	var addr types.Address
	copy(addr[:], makeUTXO("count", 0, 0).Script.Data)
	if got, _ := s.GetByAddress(addr); len(got) != 0 {
		t.Errorf("address index survived ClearAll: %d entries", len(got))
	}
}

func TestUTXO_Confirmations(t *testing.T) {
	u := &UTXO{Height: 10}
	tests := []struct {
		tip  uint64
		want uint64
	}{
		{9, 0},
		{10, 1},
		{14, 5},
	}
	for _, tt := range tests {
		if got := u.Confirmations(tt.tip); got != tt.want {
			t.Errorf("Confirmations(%d) = %d, want %d", tt.tip, got, tt.want)
		}
	}
}

func TestGetConfirmed(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("conf", 0, 500)
	u.Height = 10
	if err := s.Put(u); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := GetConfirmed(s, u.Outpoint, 14, 5)
	if err != nil {
		t.Fatalf("GetConfirmed at depth 5: %v", err)
	}
	if got.Value != 500 {
		t.Errorf("value = %d, want 500", got.Value)
	}

	got, err = GetConfirmed(s, u.Outpoint, 13, 5)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Errorf("depth 4: err = %v, want ErrUnconfirmed", err)
	}
	if got == nil || got.Height != 10 {
		t.Error("shallow output should still be returned")
	}

	if _, err := GetConfirmed(s, makeOutpoint("missing", 0), 14, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing output: err = %v, want storage.ErrNotFound", err)
	}
}

func TestProvider(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("prov", 0, 4242)
	s.Put(u)

	p := NewProvider(s)
	if !p.HasUTXO(u.Outpoint) {
		t.Fatal("HasUTXO() = false for stored output")
	}
	if p.HasUTXO(makeOutpoint("prov", 1)) {
		t.Error("HasUTXO() = true for missing output")
	}
	value, script, err := p.GetUTXO(u.Outpoint)
	if err != nil {
		t.Fatalf("GetUTXO() error: %v", err)
	}
	if value != 4242 || script.Type != types.ScriptTypeP2PKH {
		t.Errorf("GetUTXO() = %d, %s", value, script.Type)
	}
}

func TestStore_ImplementsSet(t *testing.T) {
	// Compile-time check that Store satisfies Set.
	var _ Set = (*Store)(nil)
}
