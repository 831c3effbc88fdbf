// Package utxo manages the UTXO set.
package utxo

import "github.com/Klingon-tech/klingnet-instantsend/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// Confirmations returns the number of blocks (including the one that
// created it) that bury the output at the given tip height.
func (u *UTXO) Confirmations(tip uint64) uint64 {
	if tip < u.Height {
		return 0
	}
	return tip - u.Height + 1
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
