package consensus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// PoA errors.
var (
	ErrNoValidators = errors.New("no validators configured")
	ErrNotValidator = errors.New("signer is not an authorized validator")
	ErrMissingSig   = errors.New("block missing producer signature")
	ErrInvalidSig   = errors.New("invalid producer signature")
	ErrNoSigner     = errors.New("no signer configured")
)

// PoA implements proof-of-authority consensus: a fixed set of authorities
// sign blocks, any one of them may produce at any height.
type PoA struct {
	mu sync.RWMutex

	// validators holds compressed 33-byte public keys.
	validators [][]byte

	// signer is the local authority key (nil if this node does not produce).
	signer *crypto.PrivateKey
}

// NewPoA creates a new PoA engine with the given authority public keys.
func NewPoA(validators [][]byte) (*PoA, error) {
	if len(validators) == 0 {
		return nil, ErrNoValidators
	}
	set := make([][]byte, len(validators))
	for i, v := range validators {
		set[i] = append([]byte(nil), v...)
	}
	return &PoA{validators: set}, nil
}

// SetSigner sets the local authority key for block sealing.
func (p *PoA) SetSigner(key *crypto.PrivateKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isValidator(key.PublicKey()) {
		return ErrNotValidator
	}
	p.signer = key
	return nil
}

// GetSigner returns the current signer key, or nil if not set.
func (p *PoA) GetSigner() *crypto.PrivateKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signer
}

// Validators returns a copy of the authority set.
func (p *PoA) Validators() [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([][]byte, len(p.validators))
	copy(out, p.validators)
	return out
}

// VerifyHeader checks that the header carries a valid signature from
// any authority. Turn order is only a hint for producers.
func (p *PoA) VerifyHeader(header *block.Header) error {
	if len(header.ProducerSig) == 0 {
		return ErrMissingSig
	}
	if p.IdentifySigner(header) == nil {
		return ErrInvalidSig
	}
	return nil
}

// Seal signs the block with the local authority key.
func (p *PoA) Seal(blk *block.Block) error {
	p.mu.RLock()
	signer := p.signer
	p.mu.RUnlock()
	if signer == nil {
		return ErrNoSigner
	}

	sig, err := signer.SignHash(blk.Header.Hash())
	if err != nil {
		return fmt.Errorf("seal block: %w", err)
	}
	blk.Header.ProducerSig = sig
	return nil
}

func (p *PoA) isValidator(pubKey []byte) bool {
	for _, v := range p.validators {
		if bytes.Equal(v, pubKey) {
			return true
		}
	}
	return false
}

// IsValidator checks if the given public key is in the authority set.
func (p *PoA) IsValidator(pubKey []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isValidator(pubKey)
}

// SelectValidator returns the authority whose turn it is at height,
// derived from BLAKE3(prevHash || height).
func (p *PoA) SelectValidator(height uint64, prevHash types.Hash) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return selectValidatorFromSet(p.validators, height, prevHash)
}

func selectValidatorFromSet(validators [][]byte, height uint64, prevHash types.Hash) []byte {
	if len(validators) == 0 {
		return nil
	}
	if len(validators) == 1 {
		return validators[0]
	}

	var buf [types.HashSize + 8]byte
	copy(buf[:types.HashSize], prevHash[:])
	binary.LittleEndian.PutUint64(buf[types.HashSize:], height)
	seed := crypto.Hash(buf[:])

	idx := binary.LittleEndian.Uint64(seed[:8]) % uint64(len(validators))
	return validators[idx]
}

// IdentifySigner returns the public key of the authority that signed the
// header, or nil. Schnorr signatures have no key recovery, so every
// authority is tried.
func (p *PoA) IdentifySigner(header *block.Header) []byte {
	p.mu.RLock()
	validators := append([][]byte(nil), p.validators...)
	p.mu.RUnlock()

	if len(header.ProducerSig) == 0 {
		return nil
	}
	hash := header.Hash()
	for _, pub := range validators {
		if crypto.VerifySignature(hash[:], header.ProducerSig, pub) {
			return pub
		}
	}
	return nil
}

// IsSelected returns true if the local signer has the turn at height.
func (p *PoA) IsSelected(height uint64, prevHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.signer == nil {
		return false
	}
	selected := selectValidatorFromSet(p.validators, height, prevHash)
	return bytes.Equal(selected, p.signer.PublicKey())
}
