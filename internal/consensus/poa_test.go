package consensus

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

func testValidator(t *testing.T) (*crypto.PrivateKey, *PoA) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	poa, err := NewPoA([][]byte{key.PublicKey()})
	if err != nil {
		t.Fatalf("NewPoA() error: %v", err)
	}
	return key, poa
}

func testBlock(t *testing.T) *block.Block {
	t.Helper()

	// Coinbase (zero outpoint) must be first transaction.
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}, Signature: []byte{0x01}}},
		Outputs: []tx.Output{{
			Value:  1000,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)},
		}},
	}

	merkle := block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()})
	header := &block.Header{
		Version:    block.CurrentVersion,
		MerkleRoot: merkle,
		Timestamp:  1700000000,
		Height:     1,
	}
	return block.NewBlock(header, []*tx.Transaction{coinbase})
}

func TestNewPoA_NoValidators(t *testing.T) {
	_, err := NewPoA(nil)
	if !errors.Is(err, ErrNoValidators) {
		t.Errorf("expected ErrNoValidators, got: %v", err)
	}
}

func TestPoA_SetSigner_NotValidator(t *testing.T) {
	_, poa := testValidator(t)
	otherKey, _ := crypto.GenerateKey()

	if err := poa.SetSigner(otherKey); !errors.Is(err, ErrNotValidator) {
		t.Errorf("SetSigner() = %v, want ErrNotValidator", err)
	}
	if poa.GetSigner() != nil {
		t.Error("signer should stay unset")
	}
}

func TestPoA_SealAndVerify(t *testing.T) {
	key, poa := testValidator(t)
	if err := poa.SetSigner(key); err != nil {
		t.Fatalf("SetSigner() error: %v", err)
	}

	blk := testBlock(t)
	if err := poa.Seal(blk); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if len(blk.Header.ProducerSig) != crypto.SignatureSize {
		t.Fatalf("signature length = %d, want %d", len(blk.Header.ProducerSig), crypto.SignatureSize)
	}
	if err := poa.VerifyHeader(blk.Header); err != nil {
		t.Errorf("VerifyHeader() error: %v", err)
	}
	if signer := poa.IdentifySigner(blk.Header); !bytes.Equal(signer, key.PublicKey()) {
		t.Error("IdentifySigner() did not return the sealing key")
	}

	// The signature must not survive a header change.
	blk.Header.Timestamp++
	if err := poa.VerifyHeader(blk.Header); !errors.Is(err, ErrInvalidSig) {
		t.Errorf("VerifyHeader() after tamper = %v, want ErrInvalidSig", err)
	}
}

func TestPoA_VerifyHeader_MissingSig(t *testing.T) {
	_, poa := testValidator(t)
	blk := testBlock(t)
	if err := poa.VerifyHeader(blk.Header); !errors.Is(err, ErrMissingSig) {
		t.Errorf("VerifyHeader() = %v, want ErrMissingSig", err)
	}
}

func TestPoA_VerifyHeader_Outsider(t *testing.T) {
	_, poa := testValidator(t)
	outsider, _ := crypto.GenerateKey()
	rogue, _ := NewPoA([][]byte{outsider.PublicKey()})
	rogue.SetSigner(outsider)

	blk := testBlock(t)
	if err := rogue.Seal(blk); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if err := poa.VerifyHeader(blk.Header); !errors.Is(err, ErrInvalidSig) {
		t.Errorf("VerifyHeader() = %v, want ErrInvalidSig", err)
	}
}

func TestPoA_Seal_NoSigner(t *testing.T) {
	_, poa := testValidator(t)
	if err := poa.Seal(testBlock(t)); !errors.Is(err, ErrNoSigner) {
		t.Errorf("Seal() = %v, want ErrNoSigner", err)
	}
}

func TestPoA_SelectValidator(t *testing.T) {
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()
	k3, _ := crypto.GenerateKey()
	poa, _ := NewPoA([][]byte{k1.PublicKey(), k2.PublicKey(), k3.PublicKey()})

	prev := crypto.Hash([]byte("prev"))
	first := poa.SelectValidator(10, prev)
	if !poa.IsValidator(first) {
		t.Fatal("selected key is not an authority")
	}
	if again := poa.SelectValidator(10, prev); !bytes.Equal(first, again) {
		t.Error("selection is not deterministic")
	}

	// Over many heights every authority gets a turn.
	seen := make(map[string]bool)
	for h := uint64(0); h < 64; h++ {
		seen[string(poa.SelectValidator(h, prev))] = true
	}
	if len(seen) != 3 {
		t.Errorf("%d distinct authorities selected over 64 heights, want 3", len(seen))
	}
}

func TestPoA_IsSelected_SingleAuthority(t *testing.T) {
	key, poa := testValidator(t)
	if poa.IsSelected(1, types.Hash{}) {
		t.Error("IsSelected() without signer should be false")
	}
	poa.SetSigner(key)
	if !poa.IsSelected(1, types.Hash{}) {
		t.Error("single authority should always be selected")
	}
}

func TestValidator_ValidateBlock(t *testing.T) {
	key, poa := testValidator(t)
	poa.SetSigner(key)
	v := NewValidator(poa)

	blk := testBlock(t)
	if err := v.ValidateBlock(blk); !errors.Is(err, ErrMissingSig) {
		t.Errorf("unsealed block: err = %v, want ErrMissingSig", err)
	}
	poa.Seal(blk)
	if err := v.ValidateBlock(blk); err != nil {
		t.Errorf("ValidateBlock() error: %v", err)
	}

	blk.Header.MerkleRoot = types.Hash{0xff}
	poa.Seal(blk)
	if err := v.ValidateBlock(blk); !errors.Is(err, block.ErrBadMerkleRoot) {
		t.Errorf("bad merkle: err = %v, want ErrBadMerkleRoot", err)
	}
}

type lockTable map[types.Outpoint]types.Hash

func (l lockTable) LockedOutpointOwner(op types.Outpoint) (types.Hash, bool) {
	h, ok := l[op]
	return h, ok
}

func TestValidator_CheckLocks(t *testing.T) {
	_, poa := testValidator(t)
	v := NewValidator(poa)

	spent := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	spend := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: spent}},
		Outputs: []tx.Output{{Value: 10, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)}}},
	}
	blk := testBlock(t)
	blk.Transactions = append(blk.Transactions, spend)

	if err := v.CheckLocks(blk); err != nil {
		t.Fatalf("no filter: %v", err)
	}

	locks := lockTable{}
	v.SetLockFilter(locks)
	if err := v.CheckLocks(blk); err != nil {
		t.Errorf("unlocked outpoint: %v", err)
	}

	locks[spent] = spend.Hash()
	if err := v.CheckLocks(blk); err != nil {
		t.Errorf("spend by the lock winner: %v", err)
	}

	locks[spent] = types.Hash{0xee}
	if err := v.CheckLocks(blk); !errors.Is(err, ErrLockConflict) {
		t.Errorf("conflicting spend: err = %v, want ErrLockConflict", err)
	}

	v.SetLockFilter(nil)
	if err := v.CheckLocks(blk); err != nil {
		t.Errorf("filter removed: %v", err)
	}
}
