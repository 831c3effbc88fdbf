package tx

import (
	"fmt"
	"testing"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

type mockUTXO struct {
	value  uint64
	script types.Script
}

type mockUTXOProvider map[types.Outpoint]mockUTXO

func (m mockUTXOProvider) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	u, ok := m[op]
	if !ok {
		return 0, types.Script{}, fmt.Errorf("not found")
	}
	return u.value, u.script, nil
}

func (m mockUTXOProvider) HasUTXO(op types.Outpoint) bool {
	_, ok := m[op]
	return ok
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

// signedSpend builds a tx spending ops (each worth value, owned by key) to a
// single P2PKH output of outValue, and returns it with a matching provider.
func signedSpend(t *testing.T, key *crypto.PrivateKey, ops []types.Outpoint, value, outValue uint64) (*Transaction, mockUTXOProvider) {
	t.Helper()
	provider := mockUTXOProvider{}
	b := NewBuilder()
	for _, op := range ops {
		provider[op] = mockUTXO{value: value, script: types.PayToAddress(key.Address())}
		b.AddInput(op)
	}
	b.PayTo(types.Address{0xee}, outValue)
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build(), provider
}
