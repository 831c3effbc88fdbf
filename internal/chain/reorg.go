package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// UndoData stores the information needed to revert a block's UTXO changes.
type UndoData struct {
	SpentUTXOs       []utxo.UTXO      `json:"spent_utxos"`
	CreatedOutpoints []types.Outpoint `json:"created_outpoints"`
	BlockReward      uint64           `json:"block_reward"`
}

// Reorg errors.
var (
	// ErrForkDetected indicates a valid block whose parent is known but is
	// not the current tip.
	ErrForkDetected = errors.New("fork detected")
	ErrReorgTooDeep = errors.New("reorg too deep")
	ErrGenesisReorg = errors.New("reorg would replace genesis block")
	ErrAtGenesis    = errors.New("cannot disconnect genesis block")
)

// MaxReorgDepth is the maximum number of blocks that can be reverted in a reorg.
const MaxReorgDepth = 100

// applyBlockWithUndo applies a block to the UTXO set and returns undo data.
func (c *Chain) applyBlockWithUndo(blk *block.Block) (*UndoData, error) {
	undo := &UndoData{}

	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		// Spend inputs, saving each UTXO for undo.
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				return nil, fmt.Errorf("get utxo for undo %s: %w", in.PrevOut, err)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *u)

			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return nil, fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		for i, out := range transaction.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(i)}
			undo.CreatedOutpoints = append(undo.CreatedOutpoints, op)

			u := &utxo.UTXO{
				Outpoint: op,
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return nil, fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}

	return undo, nil
}

// revertBlock undoes a block's UTXO changes using stored undo data.
func (c *Chain) revertBlock(undo *UndoData) error {
	for i := len(undo.CreatedOutpoints) - 1; i >= 0; i-- {
		if err := c.utxos.Delete(undo.CreatedOutpoints[i]); err != nil {
			return fmt.Errorf("delete created output %s: %w", undo.CreatedOutpoints[i], err)
		}
	}
	for i := range undo.SpentUTXOs {
		if err := c.utxos.Put(&undo.SpentUTXOs[i]); err != nil {
			return fmt.Errorf("restore utxo %s: %w", undo.SpentUTXOs[i].Outpoint, err)
		}
	}
	return nil
}

// DisconnectTip reverts the tip block and moves the tip to its parent.
// The disconnect handler runs after the chain lock is released.
func (c *Chain) DisconnectTip() (*block.Block, error) {
	c.mu.Lock()
	blk, err := c.disconnectTip()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.fire([]chainEvent{{blk: blk}})
	return blk, nil
}

func (c *Chain) disconnectTip() (*block.Block, error) {
	if c.state.Height == 0 {
		return nil, ErrAtGenesis
	}

	tip, err := c.blocks.GetBlock(c.state.TipHash)
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	undoBytes, err := c.blocks.GetUndo(c.state.TipHash)
	if err != nil {
		return nil, err
	}
	var undo UndoData
	if err := json.Unmarshal(undoBytes, &undo); err != nil {
		return nil, fmt.Errorf("unmarshal undo: %w", err)
	}
	parent, err := c.blocks.GetBlock(tip.Header.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}

	if err := c.revertBlock(&undo); err != nil {
		return nil, err
	}
	if err := c.blocks.UnindexBlock(tip); err != nil {
		return nil, err
	}
	if err := c.blocks.DeleteUndo(c.state.TipHash); err != nil {
		return nil, fmt.Errorf("delete undo: %w", err)
	}

	if c.state.Supply >= undo.BlockReward {
		c.state.Supply -= undo.BlockReward
	}
	c.state.TipHash = parent.Hash()
	c.state.Height = parent.Header.Height
	c.state.TipTimestamp = parent.Header.Timestamp
	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, c.state.Supply); err != nil {
		return nil, fmt.Errorf("set tip: %w", err)
	}
	return tip, nil
}

// reorg switches the active chain to the branch ending at newTipHash.
// It disconnects back to the common ancestor and connects the new branch.
// If a new block fails validation the old branch is restored.
func (c *Chain) reorg(newTipHash types.Hash) ([]chainEvent, error) {
	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return nil, fmt.Errorf("collect new branch: %w", err)
	}
	forkHeight := newBranch[0].Header.Height - 1
	if c.state.Height-forkHeight > MaxReorgDepth {
		return nil, fmt.Errorf("%w: %d blocks", ErrReorgTooDeep, c.state.Height-forkHeight)
	}

	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return nil, fmt.Errorf("write reorg checkpoint: %w", err)
	}

	var events []chainEvent
	var oldBranch []*block.Block
	for c.state.Height > forkHeight {
		blk, err := c.disconnectTip()
		if err != nil {
			return events, fmt.Errorf("disconnect at %d: %w", c.state.Height, err)
		}
		oldBranch = append(oldBranch, blk)
		events = append(events, chainEvent{blk: blk})
	}

	for i, blk := range newBranch {
		if err := c.connectBlock(blk); err != nil {
			// Roll back to the old branch.
			for j := 0; j < i; j++ {
				undone, derr := c.disconnectTip()
				if derr != nil {
					return events, fmt.Errorf("rollback after %v: %w", err, derr)
				}
				events = append(events, chainEvent{blk: undone})
			}
			for k := len(oldBranch) - 1; k >= 0; k-- {
				if rerr := c.connectBlock(oldBranch[k]); rerr != nil {
					return events, fmt.Errorf("restore old branch after %v: %w", err, rerr)
				}
				events = append(events, chainEvent{blk: oldBranch[k], connected: true})
			}
			c.blocks.DeleteReorgCheckpoint()
			return events, fmt.Errorf("connect fork block %d: %w", blk.Header.Height, err)
		}
		events = append(events, chainEvent{blk: blk, connected: true})
	}

	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return events, fmt.Errorf("delete reorg checkpoint: %w", err)
	}
	return events, nil
}

// collectBranch walks back from tipHash until it reaches a block on the
// active chain and returns the off-chain blocks in ascending order.
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash
	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load branch block %s: %w", hash, err)
		}
		if mainHash, err := c.blocks.GetHashByHeight(blk.Header.Height); err == nil && mainHash == hash {
			break
		}
		if blk.Header.Height == 0 {
			return nil, ErrGenesisReorg
		}
		branch = append(branch, blk)
		if len(branch) > MaxReorgDepth {
			return nil, ErrReorgTooDeep
		}
		hash = blk.Header.PrevHash
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	if len(branch) == 0 {
		return nil, fmt.Errorf("empty new branch")
	}
	return branch, nil
}
