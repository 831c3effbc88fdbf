package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-instantsend/internal/chain"
	"github.com/Klingon-tech/klingnet-instantsend/internal/instantsend"
	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
	"github.com/Klingon-tech/klingnet-instantsend/internal/mempool"
	"github.com/Klingon-tech/klingnet-instantsend/internal/p2p"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// setupP2P creates and starts the P2P node and registers the gossip and
// stream handlers.
func (n *Node) setupP2P() error {
	cfg := n.cfg
	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         n.db,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  string(cfg.Network),
		DataDir:    cfg.ChainDataDir(),
	})

	genesisBlk, err := n.ch.GetBlockByHeight(0)
	if err != nil {
		return fmt.Errorf("load genesis block: %w", err)
	}
	n.p2pNode.SetGenesisHash(genesisBlk.Hash())
	n.p2pNode.SetHeightFn(n.ch.Height)

	n.p2pNode.SetBlockHandler(n.handleBlock)
	n.p2pNode.SetTxHandler(n.handleTx)
	n.p2pNode.SetLockRequestHandler(n.handleLockRequest)
	n.p2pNode.SetLockVoteHandler(n.handleLockVote)
	n.p2pNode.SetAnnouncementHandler(n.handleAnnouncement)
	n.p2pNode.SetMasternodeProvider(n.provideMasternodes)
	n.p2pNode.SetPeerConnectedHandler(n.p2pNode.SyncMasternodes)

	if err := n.p2pNode.Start(); err != nil {
		n.p2pNode = nil
		return fmt.Errorf("start P2P: %w", err)
	}
	if cfg.P2P.ClearBans {
		n.p2pNode.BanManager.ClearAll()
		n.logger.Info().Msg("Cleared all peer bans")
	}

	n.syncer = p2p.NewSyncer(n.p2pNode)
	n.syncer.RegisterHandler(n.provideBlocks)
	n.syncer.RegisterHeightHandler(func() (uint64, string) {
		return n.ch.Height(), n.ch.TipHash().String()
	})

	n.logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Int("port", cfg.P2P.Port).
		Bool("discovery", !cfg.P2P.NoDiscover).
		Msg("P2P node started")
	return nil
}

// announceAddr is the address advertised in masternode announcements.
func (n *Node) announceAddr() string {
	if n.p2pNode == nil {
		return ""
	}
	if addrs := n.p2pNode.Addrs(); len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

func (n *Node) penalize(from peer.ID, penalty int, reason string) {
	if n.p2pNode == nil {
		return
	}
	n.p2pNode.BanManager.RecordOffense(from, penalty, reason)
}

func (n *Node) handleBlock(from peer.ID, data []byte) {
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		n.penalize(from, p2p.PenaltyMalformed, "unmarshal block: "+err.Error())
		return
	}
	if blk.Header == nil {
		n.penalize(from, p2p.PenaltyMalformed, "block without header")
		return
	}

	err := n.ch.ProcessBlock(&blk)
	switch {
	case err == nil:
		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().Short()).
			Int("txs", len(blk.Transactions)).
			Str("peer", from.String()).
			Msg("Block received")
	case errors.Is(err, chain.ErrBlockKnown):
	case errors.Is(err, chain.ErrPrevNotFound):
		// We are behind or on another branch; let the sync loop catch up.
		n.logger.Debug().
			Uint64("height", blk.Header.Height).
			Msg("Orphan block received, triggering sync")
		go n.runStartupSync()
	default:
		n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Rejected block")
		n.penalize(from, p2p.PenaltyInvalidBlock, err.Error())
	}
}

// txPenalty is the score charged to a peer that relayed a transaction the
// pool refused. Conflicts, fees, policy and inputs this node has not seen
// cost nothing.
func txPenalty(err error) int {
	if tx.IsInvalid(err) {
		return p2p.PenaltyInvalidTx
	}
	return 0
}

// lockRequestPenalty is the score charged for a refused lock request.
func lockRequestPenalty(err error) int {
	if errors.Is(err, instantsend.ErrMalformedRequest) {
		return p2p.PenaltyInvalidTx
	}
	return 0
}

// addToPool adds a transaction received from a peer. A transaction that is
// already pooled is not an error.
func (n *Node) addToPool(t *tx.Transaction) error {
	fee, err := n.pool.Add(t)
	if errors.Is(err, mempool.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		n.logger.Debug().Err(err).Str("tx", t.Hash().Short()).Msg("Transaction not pooled")
		return err
	}
	n.logger.Debug().
		Str("tx", t.Hash().Short()).
		Uint64("fee", fee).
		Msg("Transaction added to mempool")
	return nil
}

func (n *Node) handleTx(from peer.ID, data []byte) {
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		n.penalize(from, p2p.PenaltyMalformed, "unmarshal tx: "+err.Error())
		return
	}
	if err := n.addToPool(&t); err != nil {
		if p := txPenalty(err); p > 0 {
			n.penalize(from, p, err.Error())
		}
		return
	}
	if n.locks == nil {
		return
	}
	// Plain transactions may still qualify for an automatic lock.
	err := n.locks.ProcessLockRequest(instantsend.NewLockRequest(&t), from.String(), false)
	if err != nil && !errors.Is(err, instantsend.ErrKnownRequest) {
		n.logger.Debug().Err(err).Str("tx", t.Hash().Short()).Msg("No automatic lock")
	}
}

func (n *Node) handleLockRequest(from peer.ID, data []byte) {
	if n.locks == nil {
		return
	}
	var req instantsend.LockRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Tx == nil {
		n.penalize(from, p2p.PenaltyMalformed, "malformed lock request")
		return
	}
	// The lock verdict below decides any penalty.
	_ = n.addToPool(req.Tx)

	// Gossiped requests were asked for explicitly by the sending wallet.
	err := n.locks.ProcessLockRequest(&req, from.String(), true)
	switch {
	case err == nil, errors.Is(err, instantsend.ErrKnownRequest):
	default:
		n.logger.Debug().Err(err).Str("tx", req.Hash().Short()).Msg("Lock request not accepted")
		if p := lockRequestPenalty(err); p > 0 {
			n.penalize(from, p, err.Error())
		}
	}
}

func (n *Node) handleLockVote(from peer.ID, data []byte) {
	if n.locks == nil {
		return
	}
	var v instantsend.Vote
	if err := json.Unmarshal(data, &v); err != nil {
		n.penalize(from, p2p.PenaltyMalformed, "unmarshal vote: "+err.Error())
		return
	}
	// The engine reports misbehaviour through the network itself.
	if err := n.locks.ProcessVote(&v, from.String()); err != nil &&
		!errors.Is(err, instantsend.ErrDuplicateVote) {
		n.logger.Debug().Err(err).Str("peer", from.String()).Msg("Lock vote not accepted")
	}
}

func (n *Node) handleAnnouncement(from peer.ID, data []byte) {
	var ann masternode.Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		n.penalize(from, p2p.PenaltyMalformed, "unmarshal announcement: "+err.Error())
		return
	}

	err := n.registry.ProcessAnnouncement(&ann)
	switch {
	case err == nil:
		n.logger.Debug().
			Str("outpoint", ann.Outpoint.Short()).
			Str("peer", from.String()).
			Msg("Masternode announcement accepted")
		if n.p2pNode != nil {
			if err := n.p2pNode.BroadcastAnnouncement(&ann); err != nil {
				n.logger.Debug().Err(err).Msg("Failed to relay announcement")
			}
		}
	case errors.Is(err, masternode.ErrAlreadySeen), errors.Is(err, masternode.ErrStale):
	case errors.Is(err, masternode.ErrBadSignature), errors.Is(err, masternode.ErrMalformed):
		n.penalize(from, p2p.PenaltyBadAnnouncement, err.Error())
	default:
		n.logger.Debug().Err(err).Str("outpoint", ann.Outpoint.Short()).Msg("Masternode announcement rejected")
	}
}

// provideMasternodes serves masternode list requests from peers.
func (n *Node) provideMasternodes(op *types.Outpoint) []*masternode.Announcement {
	if op != nil {
		rec, ok := n.registry.FindByOutpoint(*op)
		if !ok || rec.PoSeBanned {
			return nil
		}
		ann := rec.Announcement
		return []*masternode.Announcement{&ann}
	}
	records := n.registry.List()
	anns := make([]*masternode.Announcement, 0, len(records))
	for i := range records {
		if records[i].PoSeBanned {
			continue
		}
		anns = append(anns, &records[i].Announcement)
	}
	return anns
}

func (n *Node) provideBlocks(from uint64, max uint32) []*block.Block {
	var blocks []*block.Block
	for h := from; h < from+uint64(max); h++ {
		blk, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, blk)
	}
	return blocks
}
