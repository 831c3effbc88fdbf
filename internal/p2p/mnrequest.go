package p2p

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

const (
	askedCacheSize = 4096
	askedTTL       = time.Hour

	// A peer may ask for the full list once per listRequestInterval.
	listRequestInterval = 3 * time.Hour
	maxMasternodeReply  = 4 * 1024 * 1024
	mnRequestTimeout    = 15 * time.Second

	PenaltyListFlood = 34
)

// MasternodeProvider returns the announcement for op, or every known
// announcement when op is nil.
type MasternodeProvider func(op *types.Outpoint) []*masternode.Announcement

// MasternodeRequest asks a peer for one masternode, or for all of them
// when Outpoint is nil.
type MasternodeRequest struct {
	Outpoint *types.Outpoint `json:"outpoint,omitempty"`
}

// MasternodeResponse carries the announcements a peer knows.
type MasternodeResponse struct {
	Announcements []*masternode.Announcement `json:"announcements"`
}

// SetMasternodeProvider sets the source served to masternode requests.
func (n *Node) SetMasternodeProvider(fn MasternodeProvider) {
	n.topicMu.Lock()
	n.mnProvider = fn
	n.topicMu.Unlock()
}

func (n *Node) registerMasternodeHandler() {
	listServed := expirable.NewLRU[peer.ID, struct{}](askedCacheSize, nil, listRequestInterval)

	n.host.SetStreamHandler(MasternodeProtocol, func(s network.Stream) {
		defer s.Close()
		id := s.Conn().RemotePeer()
		_ = s.SetDeadline(time.Now().Add(mnRequestTimeout))

		var req MasternodeRequest
		if err := json.NewDecoder(io.LimitReader(s, 1024)).Decode(&req); err != nil {
			n.BanManager.RecordOffense(id, PenaltyMalformed, "malformed masternode request")
			return
		}
		if req.Outpoint == nil {
			if listServed.Contains(id) {
				n.BanManager.RecordOffense(id, PenaltyListFlood, "masternode list requested too often")
				return
			}
			listServed.Add(id, struct{}{})
		}

		n.topicMu.RLock()
		provider := n.mnProvider
		n.topicMu.RUnlock()
		var resp MasternodeResponse
		if provider != nil {
			resp.Announcements = provider(req.Outpoint)
		}
		_ = json.NewEncoder(s).Encode(&resp)
	})
}

// AskForMasternode requests a masternode from the peer that sent a vote
// for it. Each (peer, masternode) pair is asked at most once per askedTTL.
// Replies go through the announcement handler.
func (n *Node) AskForMasternode(id string, op types.Outpoint) {
	if id == "" || n.host == nil {
		return
	}
	pid, err := peer.Decode(id)
	if err != nil {
		return
	}
	key := id + "/" + op.String()
	if n.asked.Contains(key) {
		return
	}
	n.asked.Add(key, struct{}{})
	go n.requestMasternodes(pid, &op)
}

// SyncMasternodes asks a peer for its full masternode list.
func (n *Node) SyncMasternodes(id peer.ID) {
	key := id.String() + "/*"
	if n.host == nil || n.asked.Contains(key) {
		return
	}
	n.asked.Add(key, struct{}{})
	go n.requestMasternodes(id, nil)
}

func (n *Node) requestMasternodes(id peer.ID, op *types.Outpoint) {
	ctx, cancel := context.WithTimeout(n.ctx, mnRequestTimeout)
	defer cancel()

	var resp MasternodeResponse
	if err := roundTrip(ctx, n, id, MasternodeProtocol, &MasternodeRequest{Outpoint: op}, &resp, maxMasternodeReply); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Masternode request failed")
		return
	}

	n.topicMu.RLock()
	handle := n.mnAnnounces
	n.topicMu.RUnlock()
	if handle == nil {
		return
	}
	for _, ann := range resp.Announcements {
		if ann == nil {
			continue
		}
		data, err := json.Marshal(ann)
		if err != nil {
			continue
		}
		n.dispatchTo(handle, string(MasternodeProtocol), id, data)
	}
	klog.P2P.Debug().
		Str("peer", shortID(id)).
		Int("announcements", len(resp.Announcements)).
		Msg("Masternode reply received")
}
