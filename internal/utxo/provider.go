package utxo

import (
	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Provider bridges a Set to tx.UTXOProvider.
type Provider struct {
	set Set
}

// NewProvider creates a tx.UTXOProvider backed by set.
func NewProvider(set Set) *Provider {
	return &Provider{set: set}
}

// GetUTXO returns the value and script for a given outpoint.
func (p *Provider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

// HasUTXO returns whether the outpoint exists in the UTXO set.
func (p *Provider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	if err != nil {
		klog.Storage.Warn().Err(err).Str("outpoint", outpoint.String()).Msg("UTXO lookup failed")
		return false
	}
	return has
}
