package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent  = errors.New("block timestamp before parent")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
	ErrNotInitialized         = errors.New("chain has no genesis block")
)

// ProcessBlock validates a block and applies it to the chain.
// A block extending the tip is connected directly. A block extending a
// known fork is stored and, once its branch is longer than the active
// chain, the chain reorganizes onto it. Connect and disconnect handlers
// run after the chain lock is released. With a lock filter set, a block
// spending an outpoint won by another instant lock is refused.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if err := c.validator.CheckLocks(blk); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	c.mu.Lock()
	events, err := c.processBlockLocked(blk)
	c.mu.Unlock()

	c.fire(events)
	return err
}

func (c *Chain) processBlockLocked(blk *block.Block) ([]chainEvent, error) {
	if c.state.IsGenesis() {
		return nil, ErrNotInitialized
	}

	hash := blk.Hash()
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("check block: %w", err)
	}
	if known {
		return nil, ErrBlockKnown
	}

	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return nil, parentErr
	}

	// Structural + authority validation.
	if err := c.validator.ValidateBlock(blk); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	maxTime := uint64(time.Now().Unix()) + config.MaxBlockTimeDrift
	if blk.Header.Timestamp > maxTime {
		return nil, fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}
	parent, err := c.blocks.GetBlock(blk.Header.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}
	if blk.Header.Timestamp < parent.Header.Timestamp {
		return nil, fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
			ErrTimestampBeforeParent, blk.Header.Timestamp, parent.Header.Timestamp)
	}

	if errors.Is(parentErr, ErrForkDetected) {
		if err := c.blocks.StoreBlock(blk); err != nil {
			return nil, fmt.Errorf("store fork block: %w", err)
		}
		if blk.Header.Height <= c.state.Height {
			// Side branch, not (yet) longer than the active chain.
			return nil, nil
		}
		events, err := c.reorg(hash)
		if err != nil {
			return events, fmt.Errorf("reorg: %w", err)
		}
		return events, nil
	}

	if err := c.connectBlock(blk); err != nil {
		return nil, err
	}
	return []chainEvent{{blk: blk, connected: true}}, nil
}

// connectBlock validates UTXO-dependent rules, applies the block and
// moves the tip onto it. The block must extend the current tip.
func (c *Chain) connectBlock(blk *block.Block) error {
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	// Reward is computed before applying, while inputs are still unspent.
	reward := c.computeBlockReward(blk)

	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = reward

	hash := blk.Hash()
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}
	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}
	if err := c.blocks.PutUndo(hash, undoBytes); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}

	c.state.Supply += reward
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	if err := c.blocks.SetTip(hash, blk.Header.Height, c.state.Supply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	return nil
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// coinbase maturity and the coinbase reward limit.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]
	if !coinbaseTx.IsCoinbase() {
		return ErrBadCoinbaseTx
	}

	// Full UTXO-aware validation of every non-coinbase transaction.
	provider := utxo.NewProvider(c.utxos)
	var totalFees uint64
	for i, transaction := range blk.Transactions[1:] {
		fee, err := transaction.ValidateWithUTXOs(provider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i+1, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i+1)
		}
		totalFees += fee
	}

	// minted = coinbase_total - total_fees (fees are recycled, not newly minted).
	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	if minted > c.rules.BlockReward {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, c.rules.BlockReward)
	}

	return c.checkCoinbaseMaturity(blk)
}

// checkParentLink verifies that the block's PrevHash and Height are
// consistent with the current tip, or returns ErrForkDetected when the
// parent is a known block off the tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if !parentKnown {
		return ErrPrevNotFound
	}
	parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("load parent block: %w", err)
	}
	expectedHeight := parentBlk.Header.Height + 1
	if blk.Header.Height != expectedHeight {
		return fmt.Errorf("%w: parent height %d implies %d, got %d",
			ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
	}
	return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
}

// computeBlockReward returns the coins minted by the block:
// coinbase value minus the fees of its other transactions.
// Must be called before the block is applied.
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 {
		return 0
	}
	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	provider := utxo.NewProvider(c.utxos)
	var totalFees uint64
	for _, transaction := range blk.Transactions[1:] {
		in, err := transaction.InputValue(provider)
		if err != nil {
			continue
		}
		out, err := transaction.TotalOutputValue()
		if err != nil || in <= out {
			continue
		}
		if fee := in - out; totalFees <= math.MaxUint64-fee {
			totalFees += fee
		}
	}

	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.Height < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.Height)
			}
		}
	}
	return nil
}
