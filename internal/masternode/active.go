package masternode

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ErrNotActive is returned when signing without a masternode identity.
var ErrNotActive = errors.New("node is not an active masternode")

// Active is this node's own masternode identity. A nil *Active, or one
// whose record is missing or banned, is not active.
type Active struct {
	key      *crypto.PrivateKey
	outpoint types.Outpoint
	registry *Registry
}

// NewActive binds a signing key to a collateral outpoint.
func NewActive(key *crypto.PrivateKey, outpoint types.Outpoint, registry *Registry) *Active {
	return &Active{key: key, outpoint: outpoint, registry: registry}
}

// IsActive reports whether the registry knows this masternode under the
// local key and it is not banned.
func (a *Active) IsActive() bool {
	if a == nil || a.key == nil || a.registry == nil {
		return false
	}
	rec, ok := a.registry.FindByOutpoint(a.outpoint)
	if !ok || rec.PoSeBanned {
		return false
	}
	return string(rec.PubKey()) == string(a.key.PublicKey())
}

// Outpoint returns the collateral outpoint identifying this masternode.
func (a *Active) Outpoint() types.Outpoint {
	if a == nil {
		return types.Outpoint{}
	}
	return a.outpoint
}

// PubKey returns the masternode signing key.
func (a *Active) PubKey() []byte {
	if a == nil || a.key == nil {
		return nil
	}
	return a.key.PublicKey()
}

// Sign signs a 32-byte digest with the masternode key.
func (a *Active) Sign(hash []byte) ([]byte, error) {
	if a == nil || a.key == nil {
		return nil, ErrNotActive
	}
	return a.key.Sign(hash)
}

// Announce builds and signs a fresh announcement for addr.
func (a *Active) Announce(addr string, now time.Time) (*Announcement, error) {
	if a == nil || a.key == nil {
		return nil, ErrNotActive
	}
	ann := &Announcement{
		Outpoint:        a.outpoint,
		Addr:            addr,
		ProtocolVersion: config.ProtocolVersion,
		SigTime:         now.Unix(),
	}
	if err := ann.Sign(a.key); err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}
	return ann, nil
}
