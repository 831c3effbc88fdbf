// Package chain implements the block follower: it connects blocks onto the
// active tip, keeps the UTXO set and the height index current, and tells the
// rest of the node about every connected or disconnected block.
package chain

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/consensus"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// BlockHandler is called with a block after it joined or left the active chain.
type BlockHandler func(blk *block.Block)

// Chain represents the active chain with its state, storage and authority rules.
type Chain struct {
	mu          sync.RWMutex // Protects all state mutations.
	state       *State
	blocks      *BlockStore
	utxos       utxo.Set
	validator   *consensus.Validator
	rules       config.ConsensusRules
	genesisHash types.Hash

	handlerMu           sync.RWMutex
	connectedHandler    BlockHandler
	disconnectedHandler BlockHandler
}

// New creates a new chain with the given components.
func New(db storage.DB, utxoSet utxo.Set, engine consensus.Engine) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)

	// Recover state from the block store.
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	ch := &Chain{
		state:     &State{TipHash: tipHash, Height: height, Supply: supply},
		blocks:    blocks,
		utxos:     utxoSet,
		validator: consensus.NewValidator(engine),
	}

	if genBlk, err := blocks.GetBlockByHeight(0); err == nil {
		ch.genesisHash = genBlk.Hash()
	}
	if !tipHash.IsZero() {
		if tip, err := blocks.GetBlock(tipHash); err == nil {
			ch.state.TipTimestamp = tip.Header.Timestamp
		}
	}

	// A reorg marker means the node stopped mid-reorg and the UTXO set
	// may not match the tip. Rebuild from blocks.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis bypasses authority validation: apply directly.
	if _, err := c.applyBlockWithUndo(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = blk.Header.Timestamp
	c.genesisHash = hash
	c.rules = gen.Protocol.Consensus

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	return nil
}

// SetConsensusRules configures the reward limit used when validating blocks.
// Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.mu.Lock()
	c.rules = r
	c.mu.Unlock()
}

// SetLockFilter makes ProcessBlock refuse blocks that conflict with
// completed instant locks. A nil filter turns the check off.
func (c *Chain) SetLockFilter(f consensus.LockFilter) {
	c.validator.SetLockFilter(f)
}

// SetBlockConnectedHandler sets the callback fired for every block that
// joins the active chain, in chain order.
func (c *Chain) SetBlockConnectedHandler(fn BlockHandler) {
	c.handlerMu.Lock()
	c.connectedHandler = fn
	c.handlerMu.Unlock()
}

// SetBlockDisconnectedHandler sets the callback fired for every block that
// leaves the active chain, tip first.
func (c *Chain) SetBlockDisconnectedHandler(fn BlockHandler) {
	c.handlerMu.Lock()
	c.disconnectedHandler = fn
	c.handlerMu.Unlock()
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.state
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.TipHash
}

// TipTimestamp returns the timestamp of the current tip block.
func (c *Chain) TipTimestamp() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.TipTimestamp
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Supply
}

// GenesisHash returns the hash of block 0.
func (c *Chain) GenesisHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesisHash
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a main-chain block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// BlockHashAt returns the main-chain block hash at height.
func (c *Chain) BlockHashAt(height uint64) (types.Hash, error) {
	return c.blocks.GetHashByHeight(height)
}

// HasBlock reports whether the block is stored, on the main chain or a fork.
func (c *Chain) HasBlock(hash types.Hash) bool {
	ok, err := c.blocks.HasBlock(hash)
	return err == nil && ok
}

// GetUTXO returns the unspent output at op.
func (c *Chain) GetUTXO(op types.Outpoint) (*utxo.UTXO, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.utxos.Get(op)
}

// HasUTXO reports whether op is unspent on the active chain.
func (c *Chain) HasUTXO(op types.Outpoint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ok, err := c.utxos.Has(op)
	return err == nil && ok
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
// It also returns the height of the block that contains it.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, uint64, error) {
	height, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, 0, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, 0, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, height, nil
		}
	}
	return nil, 0, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to
// the current tip.
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var supply uint64
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		reward := c.computeBlockReward(blk)
		if _, err := c.applyBlockWithUndo(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
		supply += reward
	}
	c.state.Supply = supply

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}
	return nil
}

// fire runs the handlers for a sequence of chain events. It must be called
// without c.mu held: handlers read chain state.
func (c *Chain) fire(events []chainEvent) {
	c.handlerMu.RLock()
	onConnect, onDisconnect := c.connectedHandler, c.disconnectedHandler
	c.handlerMu.RUnlock()

	for _, ev := range events {
		switch {
		case ev.connected && onConnect != nil:
			onConnect(ev.blk)
		case !ev.connected && onDisconnect != nil:
			onDisconnect(ev.blk)
		}
	}
}

type chainEvent struct {
	blk       *block.Block
	connected bool
}
