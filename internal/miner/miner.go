// Package miner implements block production for proof-of-authority nodes.
package miner

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/consensus"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// ChainState provides read-only access to the current chain state.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() uint64
}

// MempoolSelector selects transactions for block inclusion.
type MempoolSelector interface {
	SelectForBlock(limit int) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// LockFilter reports which transaction, if any, holds an instant lock on
// an outpoint.
type LockFilter interface {
	LockedOutpointOwner(op types.Outpoint) (types.Hash, bool)
}

// Miner produces new blocks.
type Miner struct {
	chain        ChainState
	engine       consensus.Engine
	pool         MempoolSelector
	locks        LockFilter
	coinbaseAddr types.Address
	blockReward  uint64
	maxBlockTxs  int
}

// New creates a new block producer.
func New(chain ChainState, engine consensus.Engine, pool MempoolSelector,
	coinbaseAddr types.Address, blockReward uint64) *Miner {
	return &Miner{
		chain:        chain,
		engine:       engine,
		pool:         pool,
		coinbaseAddr: coinbaseAddr,
		blockReward:  blockReward,
		maxBlockTxs:  config.MaxBlockTxs,
	}
}

// SetLockFilter makes the producer skip transactions that spend an
// outpoint locked by a different transaction.
func (m *Miner) SetLockFilter(f LockFilter) {
	m.locks = f
}

// ProduceBlock builds, seals, and returns a new block using the current time.
// The coinbase output value = block reward + sum of all tx fees.
// The block is NOT applied to the chain: the caller must call ProcessBlock.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.ProduceBlockAt(uint64(time.Now().Unix()))
}

// ProduceBlockAt builds, seals, and returns a new block with the given
// timestamp. The timestamp is bumped to parentTimestamp+1 when needed.
func (m *Miner) ProduceBlockAt(timestamp uint64) (*block.Block, error) {
	if parentTS := m.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}
	height := m.chain.Height() + 1

	selected := m.selectTransactions()
	var totalFees uint64
	for _, t := range selected {
		totalFees += m.pool.GetFee(t.Hash())
	}

	// Canonical order: coinbase first, the rest by hash ascending.
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Hash().Compare(selected[j].Hash()) < 0
	})

	coinbase := BuildCoinbase(m.coinbaseAddr, m.blockReward+totalFees, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   m.chain.TipHash(),
		MerkleRoot: block.ComputeMerkleRoot(txHashes),
		Timestamp:  timestamp,
		Height:     height,
	}
	blk := block.NewBlock(header, txs)
	if err := m.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}
	return blk, nil
}

// selectTransactions pulls candidates from the pool and drops any that
// double-spend within the block or spend an outpoint another transaction
// has locked.
func (m *Miner) selectTransactions() []*tx.Transaction {
	if m.pool == nil {
		return nil
	}
	candidates := m.pool.SelectForBlock(m.maxBlockTxs - 1) // Reserve slot for coinbase.

	spent := make(map[types.Outpoint]struct{})
	selected := make([]*tx.Transaction, 0, len(candidates))
outer:
	for _, t := range candidates {
		hash := t.Hash()
		for _, in := range t.Inputs {
			if _, dup := spent[in.PrevOut]; dup {
				continue outer
			}
			if m.locks != nil {
				if owner, ok := m.locks.LockedOutpointOwner(in.PrevOut); ok && owner != hash {
					continue outer
				}
			}
		}
		for _, in := range t.Inputs {
			spent[in.PrevOut] = struct{}{}
		}
		selected = append(selected, t)
	}
	return selected
}

// BuildCoinbase creates a coinbase transaction with the given reward.
// The block height is encoded in the coinbase input's signature field
// so that each coinbase has a unique hash.
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, height)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{}, // Zero outpoint marks coinbase.
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value:  reward,
			Script: types.PayToAddress(addr),
		}},
	}
}
