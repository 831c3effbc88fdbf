package chain

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ErrNoGenesisCollateral is returned when the genesis block holds no
// collateral output for an address.
var ErrNoGenesisCollateral = errors.New("no genesis collateral for address")

// CreateGenesisBlock builds block 0. Its coinbase pays the allocations in
// address order, followed by one masternode collateral output for each
// entry of gen.Collateral, so a quorum can announce from the first block.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase, err := genesisCoinbase(gen)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:  gen.Timestamp,
	}
	return block.NewBlock(header, []*tx.Transaction{coinbase}), nil
}

// GenesisCollateral returns the genesis collateral outpoint owned by addr.
func GenesisCollateral(gen *config.Genesis, addr types.Address) (types.Outpoint, error) {
	coinbase, err := genesisCoinbase(gen)
	if err != nil {
		return types.Outpoint{}, err
	}
	first := len(coinbase.Outputs) - len(gen.Collateral)
	for i := first; i < len(coinbase.Outputs); i++ {
		script := coinbase.Outputs[i].Script
		if script.Type == types.ScriptTypeP2PKH && bytes.Equal(script.Data, addr[:]) {
			return types.Outpoint{TxID: coinbase.Hash(), Index: uint32(i)}, nil
		}
	}
	return types.Outpoint{}, fmt.Errorf("%w %s", ErrNoGenesisCollateral, addr)
}

func genesisCoinbase(gen *config.Genesis) (*tx.Transaction, error) {
	addrs := make([]string, 0, len(gen.Alloc))
	for addr := range gen.Alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var outputs []tx.Output
	for _, s := range addrs {
		addr, err := types.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc address %q: %w", s, err)
		}
		outputs = append(outputs, tx.Output{Value: gen.Alloc[s], Script: types.PayToAddress(addr)})
	}
	for _, s := range gen.Collateral {
		addr, err := types.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid collateral address %q: %w", s, err)
		}
		outputs = append(outputs, tx.Output{
			Value:  gen.Protocol.Masternode.Collateral,
			Script: types.PayToAddress(addr),
		})
	}

	// An empty genesis still needs one output for a valid coinbase.
	if len(outputs) == 0 {
		outputs = []tx.Output{{Script: types.PayToAddress(types.Address{})}}
	}

	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{}}, // zero outpoint marks a coinbase
		Outputs: outputs,
	}, nil
}
