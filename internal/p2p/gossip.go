package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-instantsend/internal/instantsend"
	"github.com/Klingon-tech/klingnet-instantsend/internal/masternode"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/block"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
)

var _ instantsend.Network = (*Node)(nil)

func (n *Node) publishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return n.publish(topic, data)
}

// BroadcastTx publishes a transaction.
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	return n.publishJSON(TopicTransactions, t)
}

// BroadcastBlock publishes a block.
func (n *Node) BroadcastBlock(b *block.Block) error {
	return n.publishJSON(TopicBlocks, b)
}

// BroadcastAnnouncement publishes a masternode announcement.
func (n *Node) BroadcastAnnouncement(a *masternode.Announcement) error {
	return n.publishJSON(TopicAnnouncements, a)
}

// RelayLockRequest publishes a lock request.
func (n *Node) RelayLockRequest(req *instantsend.LockRequest) error {
	return n.publishJSON(TopicLockRequests, req)
}

// RelayVote publishes a lock vote.
func (n *Node) RelayVote(v *instantsend.Vote) error {
	return n.publishJSON(TopicLockVotes, v)
}

// Misbehaving charges penalty to the peer identified by id. Empty or
// unparsable IDs are ignored.
func (n *Node) Misbehaving(id string, penalty int, reason string) {
	if id == "" {
		return
	}
	pid, err := peer.Decode(id)
	if err != nil {
		return
	}
	n.BanManager.RecordOffense(pid, penalty, reason)
}
