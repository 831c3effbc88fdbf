package instantsend

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// unconfirmed marks a vote or candidate whose transaction is not in a block.
const unconfirmed int64 = -1

// Vote is a masternode's signed statement that Outpoint should be spent
// by the transaction TxHash.
type Vote struct {
	TxHash             types.Hash
	Outpoint           types.Outpoint
	MasternodeOutpoint types.Outpoint
	Signature          []byte

	confirmedHeight int64
	createdAt       time.Time
}

// NewVote creates an unsigned vote.
func NewVote(txHash types.Hash, op, mnOutpoint types.Outpoint, now time.Time) *Vote {
	return &Vote{
		TxHash:             txHash,
		Outpoint:           op,
		MasternodeOutpoint: mnOutpoint,
		confirmedHeight:    unconfirmed,
		createdAt:          now,
	}
}

// SigningBytes returns the canonical bytes covered by the signature.
// Format: mn_outpoint(36) | outpoint(36) | tx_hash(32)
func (v *Vote) SigningBytes() []byte {
	buf := make([]byte, 0, 2*types.OutpointSize+types.HashSize)
	buf = v.MasternodeOutpoint.AppendTo(buf)
	buf = v.Outpoint.AppendTo(buf)
	return append(buf, v.TxHash[:]...)
}

// Hash identifies the vote. The signature is not part of it.
func (v *Vote) Hash() types.Hash {
	return crypto.Hash(v.SigningBytes())
}

// Sign signs the vote with the node's masternode key.
func (v *Vote) Sign(mn ActiveMasternode) error {
	if mn == nil || !mn.IsActive() {
		return ErrNotMasternode
	}
	if mn.Outpoint() != v.MasternodeOutpoint {
		return fmt.Errorf("%w: vote is for %s", ErrNotMasternode, v.MasternodeOutpoint.Short())
	}
	h := v.Hash()
	sig, err := mn.Sign(h[:])
	if err != nil {
		return fmt.Errorf("sign vote: %w", err)
	}
	v.Signature = sig
	return nil
}

// VerifySignature checks the signature against the masternode public key.
func (v *Vote) VerifySignature(pubKey []byte) bool {
	h := v.Hash()
	return crypto.VerifySignature(h[:], v.Signature, pubKey)
}

// CheckStructure rejects votes that cannot be valid for any chain state.
func (v *Vote) CheckStructure() error {
	switch {
	case v.TxHash.IsZero():
		return fmt.Errorf("%w: empty tx hash", ErrInvalidVote)
	case v.Outpoint.IsZero():
		return fmt.Errorf("%w: empty outpoint", ErrInvalidVote)
	case v.MasternodeOutpoint.IsZero():
		return fmt.Errorf("%w: empty masternode outpoint", ErrInvalidVote)
	case len(v.Signature) != crypto.SignatureSize:
		return fmt.Errorf("%w: signature is %d bytes", ErrInvalidVote, len(v.Signature))
	}
	return nil
}

// ConfirmedHeight returns the height of the block that confirmed the
// voted transaction, or -1.
func (v *Vote) ConfirmedHeight() int64 { return v.confirmedHeight }

// SetConfirmedHeight records the confirming block height (-1 to clear).
func (v *Vote) SetConfirmedHeight(h int64) { v.confirmedHeight = h }

// CreatedAt returns when this node first saw the vote.
func (v *Vote) CreatedAt() time.Time { return v.createdAt }

// IsExpired reports whether the voted transaction is buried more than keep
// blocks below height.
func (v *Vote) IsExpired(height, keep uint64) bool {
	return v.confirmedHeight != unconfirmed && int64(height)-v.confirmedHeight > int64(keep)
}

// IsTimedOut reports whether the vote is older than the lock timeout.
func (v *Vote) IsTimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(v.createdAt) > timeout
}

// IsFailed reports whether the vote outlived the failed window without its
// transaction getting locked.
func (v *Vote) IsFailed(now time.Time, failedTimeout time.Duration, locked bool) bool {
	return now.Sub(v.createdAt) > failedTimeout && !locked
}

type voteJSON struct {
	TxHash             types.Hash     `json:"txhash"`
	Outpoint           types.Outpoint `json:"outpoint"`
	MasternodeOutpoint types.Outpoint `json:"masternode"`
	Signature          string         `json:"signature"`
}

// MarshalJSON encodes the wire fields of the vote.
func (v *Vote) MarshalJSON() ([]byte, error) {
	return json.Marshal(voteJSON{
		TxHash:             v.TxHash,
		Outpoint:           v.Outpoint,
		MasternodeOutpoint: v.MasternodeOutpoint,
		Signature:          hex.EncodeToString(v.Signature),
	})
}

// UnmarshalJSON decodes a vote received from the network. Local fields
// start out unconfirmed; createdAt is set when the engine accepts it.
func (v *Vote) UnmarshalJSON(data []byte) error {
	var j voteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	*v = Vote{
		TxHash:             j.TxHash,
		Outpoint:           j.Outpoint,
		MasternodeOutpoint: j.MasternodeOutpoint,
		Signature:          sig,
		confirmedHeight:    unconfirmed,
	}
	return nil
}
