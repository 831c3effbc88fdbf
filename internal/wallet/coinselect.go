// Package wallet funds and signs payments from the outputs of a single key.
package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/crypto"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Coin selection errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoUTXOs           = errors.New("no UTXOs available")
)

// FeeFunc returns the fee for a transaction with the given shape.
type FeeFunc func(numInputs, numOutputs int) uint64

// CoinSelection holds the result of coin selection.
type CoinSelection struct {
	Inputs []*utxo.UTXO // Selected UTXOs to spend.
	Total  uint64       // Sum of selected input values.
	Fee    uint64       // Fee for the selected inputs plus a change output.
	Change uint64       // Change = Total - target - Fee.
}

// SelectCoins chooses UTXOs to pay amount plus the fee. It tries two
// strategies:
//  1. Single UTXO: the smallest single UTXO that covers the payment.
//  2. Largest-first accumulation: the largest UTXOs until the payment is met.
//
// Returns the strategy that produces the least change (waste).
func SelectCoins(utxos []*utxo.UTXO, amount uint64, fee FeeFunc) (*CoinSelection, error) {
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	if amount == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	candidates := make([]*utxo.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Value > 0 {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Value < candidates[j].Value
	})

	// Strategy 1: single UTXO.
	var single *CoinSelection
	singleFee := fee(1, 2)
	for _, u := range candidates {
		if u.Value >= amount+singleFee {
			single = &CoinSelection{
				Inputs: []*utxo.UTXO{u},
				Total:  u.Value,
				Fee:    singleFee,
				Change: u.Value - amount - singleFee,
			}
			break
		}
	}

	// Strategy 2: largest-first accumulation.
	var accum *CoinSelection
	var selected []*utxo.UTXO
	var total uint64
	for i := len(candidates) - 1; i >= 0; i-- {
		selected = append(selected, candidates[i])
		total += candidates[i].Value
		f := fee(len(selected), 2)
		if total >= amount+f {
			accum = &CoinSelection{
				Inputs: selected,
				Total:  total,
				Fee:    f,
				Change: total - amount - f,
			}
			break
		}
	}

	switch {
	case single != nil && accum != nil:
		if single.Change <= accum.Change {
			return single, nil
		}
		return accum, nil
	case single != nil:
		return single, nil
	case accum != nil:
		return accum, nil
	default:
		return nil, fmt.Errorf("%w: have %d, need %d plus fee", ErrInsufficientFunds, totalValue(candidates), amount)
	}
}

// Spendable drops immature coinbase outputs and outputs for which locked
// reports true. locked may be nil.
func Spendable(utxos []*utxo.UTXO, height uint64, locked func(op types.Outpoint) bool) []*utxo.UTXO {
	var out []*utxo.UTXO
	for _, u := range utxos {
		if u.Coinbase && u.Confirmations(height) < config.CoinbaseMaturity {
			continue
		}
		if locked != nil && locked(u.Outpoint) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// BuildPayment signs a payment of amount to dest funded by sel. Change, if
// any, returns to the key's own address.
func BuildPayment(key *crypto.PrivateKey, sel *CoinSelection, dest types.Address, amount uint64) (*tx.Transaction, error) {
	b := tx.NewBuilder()
	for _, u := range sel.Inputs {
		b.Spend(u.Outpoint, u.Value)
	}
	b.PayTo(dest, amount)
	if err := b.PayChange(key.Address(), sel.Fee); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	}
	if err := b.Sign(key); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return b.Build(), nil
}

func totalValue(utxos []*utxo.UTXO) uint64 {
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}
