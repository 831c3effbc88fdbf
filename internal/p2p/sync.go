package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
)

const (
	syncReadTimeout      = 30 * time.Second
	maxSyncResponseBytes = 10 * 1024 * 1024
	maxSyncBlocks        = 500
)

// SyncRequest asks a peer for blocks starting at FromHeight.
type SyncRequest struct {
	FromHeight uint64 `json:"from_height"`
	MaxBlocks  uint32 `json:"max_blocks"`
}

// SyncResponse carries the blocks a peer returned.
type SyncResponse struct {
	Blocks []*block.Block `json:"blocks"`
}

// HeightResponse is a peer's best height and tip hash.
type HeightResponse struct {
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

// BlockProvider returns up to max blocks from height from.
type BlockProvider func(from uint64, max uint32) []*block.Block

// Syncer serves and requests blocks over stream protocols.
type Syncer struct {
	node *Node
}

// NewSyncer creates a syncer on a started node.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{node: node}
}

// RegisterHandler serves block ranges from provider.
func (s *Syncer) RegisterHandler(provider BlockProvider) {
	s.node.host.SetStreamHandler(SyncProtocol, func(st network.Stream) {
		defer st.Close()
		var req SyncRequest
		if err := json.NewDecoder(io.LimitReader(st, 4096)).Decode(&req); err != nil {
			return
		}
		if req.MaxBlocks == 0 || req.MaxBlocks > maxSyncBlocks {
			req.MaxBlocks = maxSyncBlocks
		}
		_ = json.NewEncoder(st).Encode(SyncResponse{Blocks: provider(req.FromHeight, req.MaxBlocks)})
	})
}

// RegisterHeightHandler answers height queries from fn.
func (s *Syncer) RegisterHeightHandler(fn func() (uint64, string)) {
	s.node.host.SetStreamHandler(HeightProtocol, func(st network.Stream) {
		defer st.Close()
		height, tip := fn()
		_ = json.NewEncoder(st).Encode(HeightResponse{Height: height, TipHash: tip})
	})
}

// RequestBlocks asks id for blocks starting at from.
func (s *Syncer) RequestBlocks(ctx context.Context, id peer.ID, from uint64, max uint32) ([]*block.Block, error) {
	var resp SyncResponse
	req := SyncRequest{FromHeight: from, MaxBlocks: max}
	if err := roundTrip(ctx, s.node, id, SyncProtocol, &req, &resp, maxSyncResponseBytes); err != nil {
		return nil, fmt.Errorf("sync blocks: %w", err)
	}
	return resp.Blocks, nil
}

// RequestHeight asks id for its best height.
func (s *Syncer) RequestHeight(ctx context.Context, id peer.ID) (*HeightResponse, error) {
	var resp HeightResponse
	if err := roundTrip(ctx, s.node, id, HeightProtocol, nil, &resp, 1024); err != nil {
		return nil, fmt.Errorf("request height: %w", err)
	}
	return &resp, nil
}

// roundTrip opens a stream, writes req (if any), half-closes and decodes
// one JSON response of at most limit bytes.
func roundTrip(ctx context.Context, n *Node, id peer.ID, proto protocol.ID, req, resp any, limit int64) error {
	if n.host == nil {
		return fmt.Errorf("p2p node not started")
	}
	st, err := n.host.NewStream(ctx, id, proto)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer st.Close()

	if req != nil {
		if err := json.NewEncoder(st).Encode(req); err != nil {
			return fmt.Errorf("send request: %w", err)
		}
	}
	_ = st.CloseWrite()
	_ = st.SetReadDeadline(time.Now().Add(syncReadTimeout))

	if err := json.NewDecoder(io.LimitReader(st, limit)).Decode(resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}
