package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier keeps the peer table in step with libp2p connections.
type connNotifier struct {
	node *Node
}

// Connected tracks the peer and, for outbound connections, starts the
// handshake. Inbound handshakes arrive on the stream handler.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if id == cn.node.host.ID() {
		return
	}
	dir := conn.Stat().Direction
	source := ""
	if dir == network.DirInbound {
		source = "inbound"
	}
	if cn.node.addPeer(id, source) {
		if fn := cn.node.onPeerConnected; fn != nil {
			go fn(id)
		}
	}
	if cn.node.handshakeEnabled && dir == network.DirOutbound {
		go cn.node.doHandshake(id)
	}
}

// Disconnected drops the peer once its last connection closes.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if len(net.ConnsToPeer(id)) == 0 {
		cn.node.removePeer(id)
	}
}

func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr)      {}
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
