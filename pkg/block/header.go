package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version     uint32     `json:"version"`
	PrevHash    types.Hash `json:"prev_hash"`
	MerkleRoot  types.Hash `json:"merkle_root"`
	Timestamp   uint64     `json:"timestamp"`
	Height      uint64     `json:"height"`
	ProducerSig []byte     `json:"producer_sig,omitempty"`
}

type headerJSON struct {
	Version     uint32     `json:"version"`
	PrevHash    types.Hash `json:"prev_hash"`
	MerkleRoot  types.Hash `json:"merkle_root"`
	Timestamp   uint64     `json:"timestamp"`
	Height      uint64     `json:"height"`
	ProducerSig string     `json:"producer_sig,omitempty"`
}

// MarshalJSON encodes the header with a hex-encoded producer signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(headerJSON{
		Version:     h.Version,
		PrevHash:    h.PrevHash,
		MerkleRoot:  h.MerkleRoot,
		Timestamp:   h.Timestamp,
		Height:      h.Height,
		ProducerSig: hex.EncodeToString(h.ProducerSig),
	})
}

// UnmarshalJSON decodes a header with a hex-encoded producer signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*h = Header{
		Version:    j.Version,
		PrevHash:   j.PrevHash,
		MerkleRoot: j.MerkleRoot,
		Timestamp:  j.Timestamp,
		Height:     j.Height,
	}
	if j.ProducerSig != "" {
		b, err := hex.DecodeString(j.ProducerSig)
		if err != nil {
			return err
		}
		h.ProducerSig = b
	}
	return nil
}

// Hash computes the block header hash.
// Excludes ProducerSig so the hash is stable for signing.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 84)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	return buf
}
