// Package node implements the libp2p peer network: host lifecycle, NAT
// traversal, discovery, the broadcast bus, the direct stream protocol, and
// the reconnection supervisor.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/multiformats/go-multiaddr"

	"github.com/diiisco/diiisco/internal/config"
	"github.com/diiisco/diiisco/internal/storage"
	"github.com/diiisco/diiisco/pkg/logging"
)

const discoveryNamespace = "diiisco"

// Options wires a Node together. Bootstrap entries must already be resolved
// to full multiaddrs; alias resolution happens before the network starts.
type Options struct {
	Config    *config.Config
	KeyPath   string
	Bootstrap []peer.AddrInfo
	Store     *storage.Storage
}

// Node is the diiisco peer network.
type Node struct {
	host    host.Host
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	cfg     *config.Config
	store   *storage.Storage
	connmgr *connmgr.BasicConnMgr
	log     *logging.Logger

	bootstrap   []peer.AddrInfo
	mdnsService mdns.Service

	// Relay service, running only while publicly reachable.
	relayService *relayv2.Relay
	relayMu      sync.Mutex
	reachability network.Reachability

	metrics *Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)
	onPeerDiscovered   func(peer.ID, []multiaddr.Multiaddr)

	mu sync.RWMutex
}

// New builds the libp2p host and its discovery services. The node does not
// dial anyone until Start.
func New(ctx context.Context, opts Options) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	cfg := opts.Config

	node := &Node{
		cfg:       cfg,
		store:     opts.Store,
		bootstrap: opts.Bootstrap,
		log:       logging.GetDefault().Component("node"),
		metrics:   NewMetrics(),
		ctx:       ctx,
		cancel:    cancel,
	}

	privKey, err := loadOrCreateIdentity(opts.KeyPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, 2)
	for _, addr := range cfg.ListenAddrs() {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.MinConnections,
		cfg.Network.MaxConnections,
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	node.connmgr = cm

	p2pOpts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	}

	if cfg.Relay.EnableRelayClient {
		p2pOpts = append(p2pOpts, libp2p.EnableRelay())
		if len(opts.Bootstrap) > 0 {
			p2pOpts = append(p2pOpts, libp2p.EnableAutoRelayWithStaticRelays(opts.Bootstrap))
		}
	}

	if cfg.Relay.EnableDCUtR {
		p2pOpts = append(p2pOpts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(p2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	node.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			node.metrics.PeersConnected.Inc()
			tagConnDirection(node.connmgr, conn.RemotePeer(), conn.Stat().Direction,
				node.inboundConnCount(), cfg.Network.InboundConnectionThreshold)
			node.mu.RLock()
			cb := node.onPeerConnected
			node.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
			go node.savePeerOnConnect(conn.RemotePeer())
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			node.metrics.PeersConnected.Dec()
			releaseConnDirection(node.connmgr, conn.RemotePeer(), conn.Stat().Direction)
			node.mu.RLock()
			cb := node.onPeerDisconnected
			node.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
	})

	if cfg.Network.EnableDHT {
		if err := node.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("initialize DHT: %w", err)
		}
	}

	if err := node.initPubSub(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("initialize pubsub: %w", err)
	}

	if cfg.Network.EnableMDNS {
		if err := node.initMDNS(); err != nil {
			// mDNS failure is not fatal
			node.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	if cfg.Relay.EnableRelayServer {
		if err := node.watchReachability(); err != nil {
			node.log.Warn("reachability watcher failed", "error", err)
		}
	}

	return node, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		return err
	}
	return n.dht.Bootstrap(ctx)
}

func (n *Node) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	return err
}

func (n *Node) initMDNS() error {
	n.mdnsService = mdns.NewMdnsService(n.host, discoveryNamespace, n)
	return n.mdnsService.Start()
}

// HandlePeerFound is called when mDNS discovers a peer on the local network.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}

	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	n.mu.RLock()
	cb := n.onPeerDiscovered
	n.mu.RUnlock()
	if cb != nil {
		go cb(pi.ID, pi.Addrs)
	}

	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("Failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// watchReachability tracks the autonat verdict and runs the relay service
// only while the node is publicly reachable.
func (n *Node) watchReachability() error {
	sub, err := n.host.EventBus().Subscribe(new(event.EvtLocalReachabilityChanged))
	if err != nil {
		return err
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-n.ctx.Done():
				return
			case ev, ok := <-sub.Out():
				if !ok {
					return
				}
				e := ev.(event.EvtLocalReachabilityChanged)
				n.setReachability(e.Reachability)
			}
		}
	}()
	return nil
}

func (n *Node) setReachability(r network.Reachability) {
	n.relayMu.Lock()
	defer n.relayMu.Unlock()

	if r == n.reachability {
		return
	}
	n.reachability = r
	n.log.Info("Reachability changed", "reachability", r.String())

	switch r {
	case network.ReachabilityPublic:
		if n.relayService != nil {
			return
		}
		svc, err := n.startRelayService()
		if err != nil {
			n.log.Warn("Failed to start relay service", "error", err)
			return
		}
		n.relayService = svc
		n.log.Info("Relay service started",
			"max_connections", n.cfg.Relay.MaxRelayedConnections)
	default:
		if n.relayService != nil {
			n.relayService.Close()
			n.relayService = nil
			n.log.Info("Relay service stopped")
		}
	}
}

func (n *Node) startRelayService() (*relayv2.Relay, error) {
	resources := relayv2.DefaultResources()
	resources.MaxReservations = n.cfg.Relay.MaxRelayedConnections
	resources.MaxCircuits = n.cfg.Relay.MaxRelayedConnections
	resources.Limit = &relayv2.RelayLimit{
		Duration: time.Duration(n.cfg.Relay.MaxRelayDuration) * time.Millisecond,
		Data:     n.cfg.Relay.MaxDataPerConnection,
	}

	return relayv2.New(n.host,
		relayv2.WithResources(resources),
		relayv2.WithLimit(resources.Limit),
	)
}

// Reachability returns the current self-reported reachability verdict.
func (n *Node) Reachability() network.Reachability {
	n.relayMu.Lock()
	defer n.relayMu.Unlock()
	return n.reachability
}

// Start dials the bootstrap peers. Discovery services are already running.
func (n *Node) Start() error {
	n.startTime = time.Now()

	for _, pi := range n.bootstrap {
		n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			} else {
				n.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(pi)
	}

	return nil
}

// Stop shuts the network down.
func (n *Node) Stop() error {
	n.cancel()

	n.relayMu.Lock()
	if n.relayService != nil {
		n.relayService.Close()
		n.relayService = nil
	}
	n.relayMu.Unlock()

	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// savePeerOnConnect records the peer in the persistent cache.
func (n *Node) savePeerOnConnect(peerID peer.ID) {
	if n.store == nil {
		return
	}

	addrs := n.host.Peerstore().Addrs(peerID)
	addrStrs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		addrStrs = append(addrStrs, a.String())
	}

	now := time.Now()
	rec := &storage.PeerRecord{
		PeerID:        peerID.String(),
		Addresses:     addrStrs,
		FirstSeen:     now,
		LastSeen:      now,
		LastConnected: now,
	}
	if err := n.store.SavePeer(rec); err != nil {
		n.log.Warn("Failed to persist peer", "peer", shortID(peerID), "error", err)
	}
}

// Dial connects to a peer, classifying the failure into the transport error
// taxonomy.
func (n *Node) Dial(ctx context.Context, pi peer.AddrInfo) error {
	if err := n.host.Connect(ctx, pi); err != nil {
		n.metrics.DialFailures.Inc()
		return classifyDialError(err)
	}
	return nil
}

// DialAddr connects to a peer given a full multiaddr string.
func (n *Node) DialAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("invalid peer addr info: %w", err)
	}
	return n.Dial(ctx, *pi)
}

// FindPeer locates a peer through the DHT for dial-back when no direct
// route is known.
func (n *Node) FindPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error) {
	if n.dht == nil {
		return peer.AddrInfo{}, fmt.Errorf("dht disabled")
	}
	return n.dht.FindPeer(ctx, id)
}

// ID returns the node's peer id.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Peers returns the list of connected peers.
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}

// PeerConn describes one live connection.
type PeerConn struct {
	PeerID     peer.ID
	RemoteAddr multiaddr.Multiaddr
}

// Connections returns one entry per live connection.
func (n *Node) Connections() []PeerConn {
	conns := n.host.Network().Conns()
	out := make([]PeerConn, 0, len(conns))
	for _, c := range conns {
		out = append(out, PeerConn{PeerID: c.RemotePeer(), RemoteAddr: c.RemoteMultiaddr()})
	}
	return out
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

func (n *Node) inboundConnCount() int {
	count := 0
	for _, c := range n.host.Network().Conns() {
		if c.Stat().Direction == network.DirInbound {
			count++
		}
	}
	return count
}

// Connected reports whether the peer has a live connection.
func (n *Node) Connected(id peer.ID) bool {
	return n.host.Network().Connectedness(id) == network.Connected
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

// Metrics returns the node's metric set.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// OnPeerConnected sets the connect callback.
func (n *Node) OnPeerConnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerConnected = cb
	n.mu.Unlock()
}

// OnPeerDisconnected sets the disconnect callback.
func (n *Node) OnPeerDisconnected(cb func(peer.ID)) {
	n.mu.Lock()
	n.onPeerDisconnected = cb
	n.mu.Unlock()
}

// OnPeerDiscovered sets the discovery callback.
func (n *Node) OnPeerDiscovered(cb func(peer.ID, []multiaddr.Multiaddr)) {
	n.mu.Lock()
	n.onPeerDiscovered = cb
	n.mu.Unlock()
}

const (
	directionTag      = "direction"
	outboundTagWeight = 20
	inboundQuotaTag   = "inbound-quota"
)

// connProtector is the slice of the connection manager the direction policy
// touches.
type connProtector interface {
	TagPeer(peer.ID, string, int)
	Protect(peer.ID, string)
	Unprotect(peer.ID, string) bool
}

// tagConnDirection biases connection-manager trimming toward unused inbound
// connections. Outbound peers carry a tag weight; inbound peers are protected
// only while the inbound count stays within the threshold, so the ones above
// it are the first to go.
func tagConnDirection(cm connProtector, id peer.ID, dir network.Direction, inboundCount, threshold int) {
	switch dir {
	case network.DirOutbound:
		cm.TagPeer(id, directionTag, outboundTagWeight)
	case network.DirInbound:
		if inboundCount <= threshold {
			cm.Protect(id, inboundQuotaTag)
		}
	}
}

// releaseConnDirection frees the inbound protection slot when the connection
// goes away.
func releaseConnDirection(cm connProtector, id peer.ID, dir network.Direction) {
	if dir == network.DirInbound {
		cm.Unprotect(id, inboundQuotaTag)
	}
}

// shortID returns a truncated peer id for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
