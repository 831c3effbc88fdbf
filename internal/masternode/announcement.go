// Package masternode tracks the masternodes eligible to vote in lock
// quorums: their signed announcements, collateral, deterministic rank and
// proof-of-service bans. It also holds this node's own masternode identity.
package masternode

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// MaxAddrLen bounds the advertised network address.
const MaxAddrLen = 256

// Announcement is the signed statement a masternode broadcasts to join the
// network. The key that signs it must own the collateral output.
type Announcement struct {
	Outpoint        types.Outpoint // collateral
	PubKey          []byte         // compressed secp256k1, signs votes too
	Addr            string         // libp2p peer ID or multiaddr
	ProtocolVersion uint32
	SigTime         int64 // unix seconds
	Signature       []byte
}

// SigningBytes returns the canonical bytes covered by the signature.
func (a *Announcement) SigningBytes() []byte {
	buf := make([]byte, 0, types.OutpointSize+len(a.PubKey)+2+len(a.Addr)+4+8)
	buf = a.Outpoint.AppendTo(buf)
	buf = append(buf, a.PubKey...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(a.Addr)))
	buf = append(buf, a.Addr...)
	buf = binary.LittleEndian.AppendUint32(buf, a.ProtocolVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.SigTime))
	return buf
}

// Hash identifies the announcement. The signature is not covered.
func (a *Announcement) Hash() types.Hash {
	return crypto.Hash(a.SigningBytes())
}

// Sign fills in PubKey and Signature using key.
func (a *Announcement) Sign(key *crypto.PrivateKey) error {
	a.PubKey = key.PublicKey()
	h := a.Hash()
	sig, err := key.Sign(h[:])
	if err != nil {
		return fmt.Errorf("sign announcement: %w", err)
	}
	a.Signature = sig
	return nil
}

// VerifySignature reports whether the signature matches PubKey.
func (a *Announcement) VerifySignature() bool {
	h := a.Hash()
	return crypto.VerifySignature(h[:], a.Signature, a.PubKey)
}

// Address returns the P2PKH address the collateral must pay to.
func (a *Announcement) Address() types.Address {
	return crypto.AddressFromPubKey(a.PubKey)
}

// CheckStructure validates field sizes without touching chain state.
func (a *Announcement) CheckStructure() error {
	if a.Outpoint.TxID.IsZero() {
		return fmt.Errorf("%w: zero collateral outpoint", ErrMalformed)
	}
	if err := crypto.ValidatePublicKey(a.PubKey); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(a.Addr) > MaxAddrLen {
		return fmt.Errorf("%w: address too long (%d)", ErrMalformed, len(a.Addr))
	}
	if len(a.Signature) != crypto.SignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrMalformed, len(a.Signature))
	}
	return nil
}

type announcementJSON struct {
	Outpoint        types.Outpoint `json:"outpoint"`
	PubKey          string         `json:"pubkey"`
	Addr            string         `json:"addr"`
	ProtocolVersion uint32         `json:"protocol_version"`
	SigTime         int64          `json:"sig_time"`
	Signature       string         `json:"signature"`
}

// MarshalJSON encodes keys and signatures as hex.
func (a Announcement) MarshalJSON() ([]byte, error) {
	return json.Marshal(announcementJSON{
		Outpoint:        a.Outpoint,
		PubKey:          hex.EncodeToString(a.PubKey),
		Addr:            a.Addr,
		ProtocolVersion: a.ProtocolVersion,
		SigTime:         a.SigTime,
		Signature:       hex.EncodeToString(a.Signature),
	})
}

// UnmarshalJSON decodes the hex form produced by MarshalJSON.
func (a *Announcement) UnmarshalJSON(data []byte) error {
	var j announcementJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	pub, err := hex.DecodeString(j.PubKey)
	if err != nil {
		return fmt.Errorf("pubkey: %w", err)
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	*a = Announcement{
		Outpoint:        j.Outpoint,
		PubKey:          pub,
		Addr:            j.Addr,
		ProtocolVersion: j.ProtocolVersion,
		SigTime:         j.SigTime,
		Signature:       sig,
	}
	return nil
}
