package block

import (
	"errors"
	"sort"
	"testing"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

func testCoinbase(height byte) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{Signature: []byte{height}}},
		Outputs: []tx.Output{{Value: 1000, Script: types.PayToAddress(types.Address{0x01})}},
	}
}

func signedTx(t *testing.T, key *crypto.PrivateKey, prev types.Outpoint) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().AddInput(prev).PayTo(types.Address{0x02}, 500)
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

// buildBlock sorts the non-coinbase transactions and fills in the merkle root.
func buildBlock(txs ...*tx.Transaction) *Block {
	rest := txs[1:]
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].Hash().Compare(rest[j].Hash()) < 0
	})
	blk := NewBlock(&Header{
		Version:   CurrentVersion,
		PrevHash:  types.Hash{0xaa},
		Timestamp: 1700000000,
		Height:    1,
	}, txs)
	blk.Header.MerkleRoot = ComputeMerkleRoot(blk.TxHashes())
	return blk
}

func TestBlock_Validate(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	a := signedTx(t, key, types.Outpoint{TxID: types.Hash{0x01}})
	b := signedTx(t, key, types.Outpoint{TxID: types.Hash{0x02}})

	tests := []struct {
		name  string
		build func() *Block
		want  error
	}{
		{"valid", func() *Block { return buildBlock(testCoinbase(1), a, b) }, nil},
		{"nil header", func() *Block { return &Block{} }, ErrNilHeader},
		{"bad version", func() *Block {
			blk := buildBlock(testCoinbase(1))
			blk.Header.Version = 2
			return blk
		}, ErrBadVersion},
		{"zero timestamp", func() *Block {
			blk := buildBlock(testCoinbase(1))
			blk.Header.Timestamp = 0
			return blk
		}, ErrZeroTimestamp},
		{"no txs", func() *Block {
			blk := buildBlock(testCoinbase(1))
			blk.Transactions = nil
			return blk
		}, ErrNoTransactions},
		{"no coinbase", func() *Block { return buildBlock(a, b) }, ErrNoCoinbase},
		{"bad merkle", func() *Block {
			blk := buildBlock(testCoinbase(1), a)
			blk.Header.MerkleRoot = types.Hash{0xff}
			return blk
		}, ErrBadMerkleRoot},
		{"bad order", func() *Block {
			blk := buildBlock(testCoinbase(1), a, b)
			blk.Transactions[1], blk.Transactions[2] = blk.Transactions[2], blk.Transactions[1]
			blk.Header.MerkleRoot = ComputeMerkleRoot(blk.TxHashes())
			return blk
		}, ErrBadTxOrder},
		{"second coinbase", func() *Block { return buildBlock(testCoinbase(1), testCoinbase(2)) }, ErrMultipleCoinbase},
		{"double spend in block", func() *Block {
			dup := signedTx(t, key, types.Outpoint{TxID: types.Hash{0x01}})
			dup.Outputs[0].Value = 400
			return buildBlock(testCoinbase(1), a, resign(t, key, dup))
		}, ErrDuplicateBlockInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func resign(t *testing.T, key *crypto.PrivateKey, transaction *tx.Transaction) *tx.Transaction {
	t.Helper()
	h := transaction.Hash()
	sig, err := key.Sign(h[:])
	if err != nil {
		t.Fatal(err)
	}
	for i := range transaction.Inputs {
		transaction.Inputs[i].Signature = sig
	}
	return transaction
}

func TestHeader_Hash(t *testing.T) {
	h := &Header{Version: 1, Timestamp: 1, Height: 5}
	hash := h.Hash()
	h.ProducerSig = []byte{1, 2, 3}
	if h.Hash() != hash {
		t.Error("Hash() should not cover the producer signature")
	}
	h.Height = 6
	if h.Hash() == hash {
		t.Error("Hash() should cover the height")
	}
}

func TestComputeMerkleRoot(t *testing.T) {
	a, b, c := types.Hash{1}, types.Hash{2}, types.Hash{3}

	if !ComputeMerkleRoot(nil).IsZero() {
		t.Error("empty root should be zero")
	}
	if ComputeMerkleRoot([]types.Hash{a}) != a {
		t.Error("single-hash root should be the hash itself")
	}
	if got, want := ComputeMerkleRoot([]types.Hash{a, b}), crypto.HashConcat(a, b); got != want {
		t.Errorf("two-hash root = %s, want %s", got, want)
	}
	want := crypto.HashConcat(crypto.HashConcat(a, b), crypto.HashConcat(c, c))
	if got := ComputeMerkleRoot([]types.Hash{a, b, c}); got != want {
		t.Errorf("odd layer root = %s, want %s", got, want)
	}

	in := []types.Hash{a, b, c}
	ComputeMerkleRoot(in)
	if len(in) != 3 || in[2] != c {
		t.Error("ComputeMerkleRoot mutated its input")
	}
}
