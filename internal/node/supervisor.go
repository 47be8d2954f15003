package node

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/diiisco/diiisco/internal/storage"
	"github.com/diiisco/diiisco/pkg/logging"
)

const (
	reconnectBase          = 5 * time.Second
	reconnectMaxAttempts   = 5
	reconnectCooldown      = 5 * time.Minute
	supervisorTickInterval = 60 * time.Second
	bootstrapRetryInterval = 120 * time.Second
	meshSettleDelay        = 5 * time.Second
	peerRecordMaxAge       = 24 * time.Hour
	reconnectRecentWindow  = time.Hour
)

// peerRecord tracks one known peer for reconnection purposes. Multiaddrs
// merge as a set union, keeping first-seen order.
type peerRecord struct {
	lastSeen   time.Time
	multiaddrs []multiaddr.Multiaddr
}

// reconnectState is the backoff bookkeeping for one peer.
type reconnectState struct {
	attemptCount  int
	lastAttemptAt time.Time
}

// Supervisor owns the peer records and drives reconnection: exponential
// backoff per peer, bootstrap re-dial when the mesh empties, and eviction of
// long-silent peers.
type Supervisor struct {
	log       *logging.Logger
	bootstrap []peer.AddrInfo
	minConns  int
	store     *storage.Storage

	mu        sync.Mutex
	records   map[peer.ID]*peerRecord
	reconnect map[peer.ID]*reconnectState
	timers    map[peer.ID]*time.Timer

	lastPeerCount     int
	lastBootstrapDial time.Time

	// Indirection over the node, replaceable in tests.
	connected     func(peer.ID) bool
	dialAddrs     func(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) error
	dialBootstrap func(ctx context.Context, pi peer.AddrInfo) error
	peerCount     func() int
	onAttempt     func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor builds the reconnection supervisor over the node.
func NewSupervisor(n *Node) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		log:       logging.GetDefault().Component("supervisor"),
		bootstrap: n.bootstrap,
		minConns:  n.cfg.Network.MinConnections,
		records:   make(map[peer.ID]*peerRecord),
		reconnect: make(map[peer.ID]*reconnectState),
		timers:    make(map[peer.ID]*time.Timer),
		connected: n.Connected,
		dialAddrs: func(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) error {
			return n.Dial(ctx, peer.AddrInfo{ID: id, Addrs: addrs})
		},
		dialBootstrap: n.Dial,
		peerCount:     n.PeerCount,
		onAttempt:     func() { n.metrics.ReconnectAttempts.Inc() },
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	n.OnPeerDiscovered(s.OnDiscovery)
	n.OnPeerConnected(s.OnConnect)
	n.OnPeerDisconnected(s.OnDisconnect)
	return s
}

// SeedFromStore pre-loads peers persisted by earlier runs so the first tick
// can schedule redials before discovery warms up, and keeps the store for
// the tick's eviction pass. Returns the number of peers seeded.
func (s *Supervisor) SeedFromStore(store *storage.Storage) int {
	if store == nil {
		return 0
	}
	s.store = store

	records, err := store.ListRecentPeers(peerRecordMaxAge, 256)
	if err != nil {
		s.log.Warn("Failed to load persisted peers", "error", err)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seeded := 0
	for _, rec := range records {
		id, err := peer.Decode(rec.PeerID)
		if err != nil {
			continue
		}
		if _, known := s.records[id]; known {
			continue
		}
		addrs := make([]multiaddr.Multiaddr, 0, len(rec.Addresses))
		for _, a := range rec.Addresses {
			if ma, err := multiaddr.NewMultiaddr(a); err == nil {
				addrs = append(addrs, ma)
			}
		}
		if len(addrs) == 0 {
			continue
		}
		s.records[id] = &peerRecord{lastSeen: rec.LastSeen, multiaddrs: addrs}
		seeded++
	}
	return seeded
}

// Start launches the tick loop.
func (s *Supervisor) Start() {
	go s.run()
	s.log.Info("Reconnection supervisor started", "tick", supervisorTickInterval)
}

// Stop cancels the tick loop and every pending reconnection timer.
func (s *Supervisor) Stop() {
	s.cancel()
	<-s.done

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.log.Info("Reconnection supervisor stopped")
}

func (s *Supervisor) run() {
	defer close(s.done)

	ticker := time.NewTicker(supervisorTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// OnDiscovery records a freshly discovered peer and its addresses.
func (s *Supervisor) OnDiscovery(id peer.ID, addrs []multiaddr.Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchPeer(id, addrs)
}

// OnConnect refreshes the record and clears any pending backoff.
func (s *Supervisor) OnConnect(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchPeer(id, nil)
	s.clearReconnect(id)
}

// OnDisconnect schedules a reconnection attempt for the lost peer.
func (s *Supervisor) OnDisconnect(id peer.ID) {
	s.mu.Lock()
	s.touchPeer(id, nil)
	s.mu.Unlock()
	s.scheduleReconnect(id)
}

// touchPeer updates lastSeen and merges addresses. Caller holds s.mu.
func (s *Supervisor) touchPeer(id peer.ID, addrs []multiaddr.Multiaddr) {
	rec, ok := s.records[id]
	if !ok {
		rec = &peerRecord{}
		s.records[id] = rec
	}
	rec.lastSeen = time.Now()

	for _, a := range addrs {
		seen := false
		for _, existing := range rec.multiaddrs {
			if existing.Equal(a) {
				seen = true
				break
			}
		}
		if !seen {
			rec.multiaddrs = append(rec.multiaddrs, a)
		}
	}
}

// clearReconnect drops backoff state and any armed timer. Caller holds s.mu.
func (s *Supervisor) clearReconnect(id peer.ID) {
	delete(s.reconnect, id)
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// scheduleReconnect arms a backoff timer for the peer, giving up after
// reconnectMaxAttempts until the cooldown clears the slate.
func (s *Supervisor) scheduleReconnect(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.reconnect[id]
	if ok && state.attemptCount >= reconnectMaxAttempts {
		if time.Since(state.lastAttemptAt) > reconnectCooldown {
			delete(s.reconnect, id)
			state = nil
		} else {
			return
		}
	}
	if state == nil || !ok {
		state = &reconnectState{}
		s.reconnect[id] = state
	}

	if _, armed := s.timers[id]; armed {
		return
	}

	delay := reconnectBase << state.attemptCount
	state.attemptCount++
	state.lastAttemptAt = time.Now()

	s.timers[id] = time.AfterFunc(delay, func() {
		s.attemptReconnect(id)
	})
	s.log.Debug("Scheduled reconnect", "peer", shortID(id),
		"attempt", state.attemptCount, "delay", delay)
}

// attemptReconnect dials the stored addresses in insertion order.
func (s *Supervisor) attemptReconnect(id peer.ID) {
	s.mu.Lock()
	delete(s.timers, id)
	if s.connected(id) {
		s.clearReconnect(id)
		s.mu.Unlock()
		return
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	addrs := make([]multiaddr.Multiaddr, len(rec.multiaddrs))
	copy(addrs, rec.multiaddrs)
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.onAttempt()

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	err := s.dialAddrs(ctx, id, addrs)
	cancel()

	if err == nil {
		s.mu.Lock()
		s.clearReconnect(id)
		s.mu.Unlock()
		s.log.Info("Reconnected to peer", "peer", shortID(id))
		return
	}

	s.log.Debug("Reconnect attempt failed", "peer", shortID(id), "error", err)
	s.scheduleReconnect(id)
}

// ReconnectToBootstrap dials every bootstrap peer sequentially and reports
// how many dials succeeded, waiting briefly for the mesh to settle.
func (s *Supervisor) ReconnectToBootstrap() int {
	succeeded := 0
	for _, pi := range s.bootstrap {
		if s.ctx.Err() != nil {
			return succeeded
		}
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := s.dialBootstrap(ctx, pi)
		cancel()
		if err == nil {
			succeeded++
		} else {
			s.log.Warn("Bootstrap dial failed", "peer", shortID(pi.ID), "error", err)
		}
	}

	select {
	case <-time.After(meshSettleDelay):
	case <-s.ctx.Done():
	}

	s.log.Info("Bootstrap reconnect finished", "succeeded", succeeded, "total", len(s.bootstrap))
	return succeeded
}

// Tick is the periodic health pass: top up connectivity from bootstrap,
// retry recently seen peers, and evict stale records.
func (s *Supervisor) Tick() {
	count := s.peerCount()

	s.mu.Lock()
	changed := count != s.lastPeerCount
	s.lastPeerCount = count
	bootstrapDue := time.Since(s.lastBootstrapDial) > bootstrapRetryInterval
	s.mu.Unlock()

	if changed {
		s.log.Info("Connection count changed", "peers", count)
	}

	if count == 0 {
		s.markBootstrapDial()
		s.ReconnectToBootstrap()
	} else if count < s.minConns && bootstrapDue {
		s.markBootstrapDial()
		s.ReconnectToBootstrap()
	}

	now := time.Now()
	var retry []peer.ID

	s.mu.Lock()
	for id, rec := range s.records {
		if now.Sub(rec.lastSeen) > peerRecordMaxAge {
			delete(s.records, id)
			s.clearReconnect(id)
			continue
		}
		if s.connected(id) {
			continue
		}
		if now.Sub(rec.lastSeen) <= reconnectRecentWindow {
			retry = append(retry, id)
		}
	}
	s.mu.Unlock()

	for _, id := range retry {
		s.scheduleReconnect(id)
	}

	// The persistent cache ages out on the same horizon as the in-memory
	// records.
	if s.store != nil {
		if evicted, err := s.store.EvictStalePeers(peerRecordMaxAge); err != nil {
			s.log.Warn("Failed to evict stale stored peers", "error", err)
		} else if evicted > 0 {
			s.log.Debug("Evicted stale stored peers", "count", evicted)
		}
	}
}

func (s *Supervisor) markBootstrapDial() {
	s.mu.Lock()
	s.lastBootstrapDial = time.Now()
	s.mu.Unlock()
}

// KnownPeers returns the number of tracked peer records.
func (s *Supervisor) KnownPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
