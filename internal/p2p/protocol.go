package p2p

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingnet-instantsend/config"
)

// GossipSub topic names.
const (
	TopicTransactions  = "/klingnet-is/tx/1.0.0"
	TopicBlocks        = "/klingnet-is/block/1.0.0"
	TopicLockRequests  = "/klingnet-is/ixlockreq/1.0.0"
	TopicLockVotes     = "/klingnet-is/ixlockvote/1.0.0"
	TopicAnnouncements = "/klingnet-is/mnannounce/1.0.0"
)

// Topics lists every topic a node joins on Start.
var Topics = []string{
	TopicTransactions,
	TopicBlocks,
	TopicLockRequests,
	TopicLockVotes,
	TopicAnnouncements,
}

// Stream protocol IDs.
const (
	HandshakeProtocol  = protocol.ID("/klingnet-is/handshake/1.0.0")
	SyncProtocol       = protocol.ID("/klingnet-is/sync/1.0.0")
	HeightProtocol     = protocol.ID("/klingnet-is/height/1.0.0")
	MasternodeProtocol = protocol.ID("/klingnet-is/mnrequest/1.0.0")
)

// MinProtocolVersion is the oldest peer protocol version accepted in the
// handshake. Masternodes must additionally meet the InstantSend minimum.
const MinProtocolVersion uint32 = 70000

// ProtocolVersion is the version this node advertises.
const ProtocolVersion = config.ProtocolVersion

// Penalties for gossip offenses outside the lock engine. The engine
// reports its own through Misbehaving.
const (
	PenaltyInvalidBlock    = 50
	PenaltyInvalidTx       = 20
	PenaltyBadAnnouncement = 20
	PenaltyMalformed       = 10
	PenaltyHandshakeFail   = BanThreshold
)

// Handler consumes a raw gossip payload from a peer.
type Handler func(from peer.ID, data []byte)
