package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/Klingon-tech/klingnet-instantsend/internal/chain"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
)

const (
	syncInterval     = 10 * time.Second
	syncBatch        = 500
	syncPeersQueried = 3
)

func (n *Node) runSyncLoop(ctx context.Context) {
	runTicks(ctx, ticker.New(syncInterval), func() {
		if len(n.p2pNode.PeerList()) == 0 {
			return
		}
		n.runStartupSync()
	})
}

// bestPeer asks up to syncPeersQueried peers for their tip and returns the
// highest one. At equal height a tip differing from ours wins so that
// same-height forks are noticed.
func (n *Node) bestPeer() (id peer.ID, height uint64, tip string) {
	peers := n.p2pNode.PeerList()
	if len(peers) > syncPeersQueried {
		peers = peers[:syncPeersQueried]
	}
	localTip := n.ch.TipHash().String()
	for _, p := range peers {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.Height > height {
			id, height, tip = p.ID, resp.Height, resp.TipHash
		} else if resp.Height == height && resp.TipHash != tip && resp.TipHash != localTip {
			id, tip = p.ID, resp.TipHash
		}
	}
	return id, height, tip
}

func (n *Node) runStartupSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	if len(n.p2pNode.PeerList()) == 0 {
		n.logger.Info().Msg("No peers for startup sync")
		return
	}

	bestPeer, bestHeight, bestTip := n.bestPeer()
	localHeight := n.ch.Height()
	localTip := n.ch.TipHash().String()

	if bestHeight == localHeight && bestHeight > 0 {
		if bestTip != "" && bestTip != localTip {
			n.logger.Info().
				Uint64("height", localHeight).
				Str("local_tip", localTip[:16]+"...").
				Str("peer_tip", bestTip[:16]+"...").
				Msg("Same-height fork detected, resolving")
			n.resolveFork(bestPeer, localHeight, bestHeight)
		}
		return
	}
	if bestHeight <= localHeight {
		n.logger.Debug().Uint64("height", localHeight).Msg("Chain is up to date")
		return
	}

	total := bestHeight - localHeight
	n.logger.Info().
		Uint64("local", localHeight).
		Uint64("remote", bestHeight).
		Uint64("blocks", total).
		Msg("Syncing chain")
	syncStart := time.Now()

	for from := localHeight + 1; from <= bestHeight; from += syncBatch {
		blocks, err := n.fetchBlocks(bestPeer, from, bestHeight)
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			return
		}
		for _, blk := range blocks {
			err := n.ch.ProcessBlock(blk)
			switch {
			case err == nil, errors.Is(err, chain.ErrBlockKnown):
			case errors.Is(err, chain.ErrPrevNotFound):
				n.logger.Info().
					Uint64("height", blk.Header.Height).
					Msg("Fork detected during sync, resolving")
				n.resolveFork(bestPeer, blk.Header.Height, bestHeight)
				return
			default:
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
		}

		synced := n.ch.Height() - localHeight
		elapsed := time.Since(syncStart).Seconds()
		bps := float64(synced) / elapsed
		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", bestHeight).
			Str("progress", fmt.Sprintf("%.1f%%", float64(synced)/float64(total)*100)).
			Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
			Msg("Syncing")
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", time.Since(syncStart)).
		Msg("Sync complete")
}

// fetchBlocks requests one batch of blocks starting at from, capped at tip.
func (n *Node) fetchBlocks(id peer.ID, from, tip uint64) ([]*block.Block, error) {
	max := uint32(syncBatch)
	if from+uint64(max)-1 > tip {
		max = uint32(tip - from + 1)
	}
	reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	return n.syncer.RequestBlocks(reqCtx, id, from, max)
}

// resolveFork walks back from failedHeight to the last block shared with
// the peer, then feeds the peer's branch to the chain, which reorganizes
// once that branch is longer.
func (n *Node) resolveFork(peerID peer.ID, failedHeight, peerTip uint64) {
	searchFrom := failedHeight - 1
	if searchFrom > n.ch.Height() {
		searchFrom = n.ch.Height()
	}

	var ancestor uint64
	found := false
	for h := searchFrom; ; h-- {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		peerBlocks, err := n.syncer.RequestBlocks(reqCtx, peerID, h, 1)
		cancel()
		if err == nil && len(peerBlocks) > 0 {
			localBlk, err := n.ch.GetBlockByHeight(h)
			if err == nil && peerBlocks[0].Hash() == localBlk.Hash() {
				ancestor = h
				found = true
				break
			}
		}
		if h == 0 {
			break
		}
	}

	if !found {
		n.logger.Warn().
			Uint64("searched_from", searchFrom).
			Msg("Fork resolution failed: no common ancestor found")
		return
	}

	n.logger.Info().
		Uint64("ancestor", ancestor).
		Uint64("peer_tip", peerTip).
		Uint64("fork_blocks", peerTip-ancestor).
		Msg("Common ancestor found, downloading fork blocks")

	for from := ancestor + 1; from <= peerTip; from += syncBatch {
		blocks, err := n.fetchBlocks(peerID, from, peerTip)
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Fork sync request failed")
			return
		}
		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil && !errors.Is(err, chain.ErrBlockKnown) {
				n.logger.Warn().Err(err).
					Uint64("height", blk.Header.Height).
					Msg("Fork sync block failed")
				return
			}
		}
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().Short()).
		Msg("Fork resolved")
}
