package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

const (
	handshakeTimeout  = 10 * time.Second
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged right after connecting to check that both
// sides run the same network.
type HandshakeMessage struct {
	ProtocolVersion uint32     `json:"protocol_version"`
	GenesisHash     types.Hash `json:"genesis_hash"`
	NetworkID       string     `json:"network_id"`
	BestHeight      uint64     `json:"best_height"`
}

func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(s network.Stream) {
		defer s.Close()
		id := s.Conn().RemotePeer()
		_ = s.SetDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(s, maxHandshakeBytes)).Decode(&theirs); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake read failed")
			return
		}
		ours := n.buildHandshakeMessage()
		if err := json.NewEncoder(s).Encode(&ours); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake write failed")
			return
		}
		n.finishHandshake(id, theirs)
	})
}

// doHandshake runs the dialer side of the handshake.
func (n *Node) doHandshake(id peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, id, HandshakeProtocol)
	if err != nil {
		klog.P2P.Debug().Str("peer", shortID(id)).Msg("Peer does not speak the handshake protocol")
		return
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.buildHandshakeMessage()
	if err := json.NewEncoder(s).Encode(&ours); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake send failed")
		return
	}
	_ = s.CloseWrite()

	var theirs HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(s, maxHandshakeBytes)).Decode(&theirs); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake response read failed")
		return
	}
	n.finishHandshake(id, theirs)
}

func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		klog.P2P.Warn().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
		_ = n.DisconnectPeer(id)
		return
	}
	n.updatePeer(id, func(p *Peer) {
		p.ProtocolVersion = msg.ProtocolVersion
		p.BestHeight = msg.BestHeight
	})
}

// validateHandshake returns a reason when the peer is incompatible, or "".
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s", msg.GenesisHash.Short(), n.genesisHash.Short())
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d", msg.ProtocolVersion, MinProtocolVersion)
	}
	if msg.NetworkID != "" && n.cfg.NetworkID != "" && msg.NetworkID != n.cfg.NetworkID {
		return fmt.Sprintf("network mismatch: peer=%s local=%s", msg.NetworkID, n.cfg.NetworkID)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash,
		NetworkID:       n.cfg.NetworkID,
	}
	if n.heightFn != nil {
		msg.BestHeight = n.heightFn()
	}
	return msg
}
