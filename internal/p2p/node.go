// Package p2p carries transactions, blocks, lock requests, lock votes and
// masternode announcements between nodes over libp2p GossipSub, and serves
// the stream protocols for handshakes, block sync and masternode lookups.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	klog "github.com/Klingon-tech/klingnet-instantsend/internal/log"
	"github.com/Klingon-tech/klingnet-instantsend/internal/storage"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

const (
	dhtRendezvousFallback = "klingnet-is"
	dhtDiscoveryInterval  = 30 * time.Second
	peerConnectTimeout    = 5 * time.Second
	seedRetryInterval     = 10 * time.Second
	banPruneInterval      = 10 * time.Minute
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // bans and peers; nil disables persistence
	DHTServer  bool
	NetworkID  string // isolates discovery per network
	DataDir    string // node identity; empty uses a throwaway key
}

// Peer is a connected peer.
type Peer struct {
	ID              peer.ID
	ConnectedAt     time.Time
	Source          string // "dht", "mdns", "seed", "inbound"
	ProtocolVersion uint32 // from the handshake, 0 until it completes
	BestHeight      uint64
}

// Node is a libp2p host with the node's gossip topics and stream handlers.
type Node struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT

	topicMu  sync.RWMutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[string]Handler

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager *BanManager
	peerStore  *PeerStore
	connNotify *connNotifier

	// asked remembers masternode lookups already sent to a peer.
	asked       *expirable.LRU[string, struct{}]
	mnProvider  MasternodeProvider
	mnAnnounces Handler

	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64
	onPeerConnected  func(id peer.ID)
}

// New creates a node. Nothing listens until Start.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		handlers: make(map[string]Handler),
		peers:    make(map[peer.ID]*Peer),
		asked:    expirable.NewLRU[string, struct{}](askedCacheSize, nil, askedTTL),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
		n.BanManager = NewBanManager(NewBanStore(cfg.DB), n.disconnectBanned)
	} else {
		n.BanManager = NewBanManager(nil, n.disconnectBanned)
	}
	return n
}

func (n *Node) rendezvous() string {
	if n.cfg.NetworkID != "" {
		return "klingnet-is/" + n.cfg.NetworkID
	}
	return dhtRendezvousFallback
}

// Start creates the host, joins all topics and starts discovery.
func (n *Node) Start() error {
	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", n.cfg.ListenAddr, n.cfg.Port)),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager, full: n.isFull}),
	}
	if n.cfg.DataDir != "" {
		key, err := loadOrCreateIdentity(n.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h
	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	if !n.cfg.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(config.MaxBlockSize+64*1024))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	for _, name := range Topics {
		if err := n.join(name); err != nil {
			n.closeDHT()
			h.Close()
			return err
		}
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}
	n.registerMasternodeHandler()

	go n.loadPersistedPeers()

	if len(n.cfg.Seeds) > 0 {
		klog.P2P.Info().Int("seeds", len(n.cfg.Seeds)).Msg("Connecting to seeds")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.cfg.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	go n.runMaintenanceLoop()

	klog.P2P.Info().
		Str("id", h.ID().String()).
		Strs("addrs", n.Addrs()).
		Msg("P2P node started")
	return nil
}

// Stop shuts the node down. Calling Stop before Start is a no-op.
func (n *Node) Stop() error {
	n.persistPeers()
	n.cancel()

	n.topicMu.Lock()
	for name, sub := range n.subs {
		sub.Cancel()
		delete(n.subs, name)
	}
	for name, t := range n.topics {
		t.Close()
		delete(n.topics, name)
	}
	n.topicMu.Unlock()

	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

func (n *Node) join(name string) error {
	t, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("join %s: %w", name, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		t.Close()
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	n.topicMu.Lock()
	n.topics[name] = t
	n.subs[name] = sub
	n.topicMu.Unlock()

	go n.readLoop(name, sub)
	return nil
}

func (n *Node) readLoop(name string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.addPeer(msg.ReceivedFrom, "")
		n.dispatch(name, msg.ReceivedFrom, msg.Data)
	}
}

// dispatch hands a payload to the topic handler. A panicking handler is
// logged and the read loop keeps going.
func (n *Node) dispatch(name string, from peer.ID, data []byte) {
	n.topicMu.RLock()
	fn := n.handlers[name]
	n.topicMu.RUnlock()
	if fn != nil {
		n.dispatchTo(fn, name, from, data)
	}
}

func (n *Node) dispatchTo(fn Handler, name string, from peer.ID, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			klog.P2P.Error().
				Str("topic", name).
				Str("peer", shortID(from)).
				Interface("panic", r).
				Msg("Gossip handler panicked")
		}
	}()
	fn(from, data)
}

// SetHandler registers fn for payloads arriving on topic.
func (n *Node) SetHandler(topic string, fn Handler) {
	n.topicMu.Lock()
	n.handlers[topic] = fn
	n.topicMu.Unlock()
}

// SetTxHandler registers the transaction handler.
func (n *Node) SetTxHandler(fn Handler) { n.SetHandler(TopicTransactions, fn) }

// SetBlockHandler registers the block handler.
func (n *Node) SetBlockHandler(fn Handler) { n.SetHandler(TopicBlocks, fn) }

// SetLockRequestHandler registers the lock request handler.
func (n *Node) SetLockRequestHandler(fn Handler) { n.SetHandler(TopicLockRequests, fn) }

// SetLockVoteHandler registers the lock vote handler.
func (n *Node) SetLockVoteHandler(fn Handler) { n.SetHandler(TopicLockVotes, fn) }

// SetAnnouncementHandler registers the masternode announcement handler.
// Announcements returned by a masternode lookup go through it too.
func (n *Node) SetAnnouncementHandler(fn Handler) {
	n.SetHandler(TopicAnnouncements, fn)
	n.topicMu.Lock()
	n.mnAnnounces = fn
	n.topicMu.Unlock()
}

func (n *Node) publish(topic string, data []byte) error {
	n.topicMu.RLock()
	t := n.topics[topic]
	n.topicMu.RUnlock()
	if t == nil {
		return fmt.Errorf("p2p node not started")
	}
	return t.Publish(n.ctx, data)
}

// Host returns the libp2p host, nil before Start.
func (n *Node) Host() host.Host { return n.host }

// SetPeerConnectedHandler registers a callback for new peers.
func (n *Node) SetPeerConnectedHandler(fn func(id peer.ID)) { n.onPeerConnected = fn }

// SetGenesisHash enables the handshake for a non-zero genesis hash.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = !h.IsZero()
}

// SetHeightFn sets the best height reported in handshakes.
func (n *Node) SetHeightFn(fn func() uint64) { n.heightFn = fn }

// ID returns the local peer ID, empty before Start.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// DisconnectPeer closes all connections to a peer.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

func (n *Node) disconnectBanned(id peer.ID) {
	if n.host == nil {
		return
	}
	go n.DisconnectPeer(id)
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns copies of the connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

func (n *Node) isFull() bool {
	return n.cfg.MaxPeers > 0 && n.PeerCount() >= n.cfg.MaxPeers
}

// addPeer tracks a peer and reports whether it was new.
func (n *Node) addPeer(id peer.ID, source string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		if p.Source == "" {
			p.Source = source
		}
		return false
	}
	n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now(), Source: source}
	return true
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
}

func (n *Node) updatePeer(id peer.ID, fn func(p *Peer)) {
	n.mu.Lock()
	if p, ok := n.peers[id]; ok {
		fn(p)
	}
	n.mu.Unlock()
}

// --- Discovery ---

type mdnsNotifee struct{ node *Node }

func (d *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() || d.node.isFull() {
		return
	}
	ctx, cancel := context.WithTimeout(d.node.ctx, peerConnectTimeout)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err == nil {
		d.node.addPeer(pi.ID, "mdns")
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &mdnsNotifee{node: n})
	if err := svc.Start(); err != nil {
		klog.P2P.Debug().Err(err).Msg("mDNS unavailable")
	}
}

func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.cfg.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 2*peerConnectTimeout)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			klog.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID, "seed")
		klog.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

func (n *Node) connectSeedsLoop() {
	if len(n.cfg.Seeds) == 0 {
		return
	}
	t := time.NewTicker(seedRetryInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			if n.PeerCount() == 0 {
				klog.P2P.Info().Int("seeds", len(n.cfg.Seeds)).Msg("No peers, retrying seeds")
				n.connectSeedsOnce()
			}
		}
	}
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.cfg.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kad
	return kad.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	t := time.NewTicker(dhtDiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.findDHTPeers(rd)
		}
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()
	found, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range found {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.isFull() {
			return
		}
		cctx, ccancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(cctx, p); err == nil {
			n.addPeer(p.ID, "dht")
		}
		ccancel()
	}
}

// --- Persistence ---

func (n *Node) runMaintenanceLoop() {
	persist := time.NewTicker(persistInterval)
	prune := time.NewTicker(banPruneInterval)
	defer persist.Stop()
	defer prune.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-persist.C:
			n.persistPeers()
			if n.peerStore != nil {
				_, _ = n.peerStore.PruneStale(time.Now(), staleThreshold)
			}
		case <-prune.C:
			n.BanManager.PruneExpired()
		}
	}
}

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    make([]string, len(addrs)),
			LastSeen: now,
			Source:   p.Source,
		}
		for i, a := range addrs {
			rec.Addrs[i] = a.String()
		}
		if err := n.peerStore.Save(rec); err != nil {
			klog.P2P.Debug().Err(err).Msg("Failed to persist peer")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	_, _ = n.peerStore.PruneStale(time.Now(), staleThreshold)
	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() || n.BanManager.IsBanned(id) {
			continue
		}
		info := peer.AddrInfo{ID: id}
		for _, addr := range rec.Addrs {
			ai, err := peer.AddrInfoFromString(addr + "/p2p/" + rec.ID)
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ai.Addrs...)
		}
		if len(info.Addrs) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.addPeer(id, rec.Source)
		}
		cancel()
	}
}

// loadOrCreateIdentity keeps the peer ID stable across restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	path := filepath.Join(dataDir, "node.key")
	if data, err := os.ReadFile(path); err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(raw)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
