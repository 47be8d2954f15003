package node

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/diiisco/diiisco/pkg/logging"
)

const (
	keepAliveInterval = 30 * time.Second
	keepAliveTimeout  = 10 * time.Second
)

// KeepAlive pings every open connection on a fixed interval and records the
// round trip latency. Failures are logged only; the connection manager
// decides what to close.
type KeepAlive struct {
	node *Node
	ping *ping.PingService
	log  *logging.Logger

	mu      sync.RWMutex
	latency map[peer.ID]time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKeepAlive builds the keep-alive loop over the host's ping service.
func NewKeepAlive(n *Node) *KeepAlive {
	ctx, cancel := context.WithCancel(context.Background())
	return &KeepAlive{
		node:    n,
		ping:    ping.NewPingService(n.Host()),
		log:     logging.GetDefault().Component("keepalive"),
		latency: make(map[peer.ID]time.Duration),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the ping loop.
func (k *KeepAlive) Start() {
	go k.run()
	k.log.Info("Keep-alive started", "interval", keepAliveInterval)
}

// Stop cancels the loop and waits for it to exit.
func (k *KeepAlive) Stop() {
	k.cancel()
	<-k.done
	k.log.Info("Keep-alive stopped")
}

func (k *KeepAlive) run() {
	defer close(k.done)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.pingAll()
		}
	}
}

func (k *KeepAlive) pingAll() {
	for _, p := range k.node.Peers() {
		go k.pingPeer(p)
	}
}

func (k *KeepAlive) pingPeer(p peer.ID) {
	ctx, cancel := context.WithTimeout(k.ctx, keepAliveTimeout)
	defer cancel()

	select {
	case res := <-k.ping.Ping(ctx, p):
		if res.Error != nil {
			k.log.Debug("Keep-alive ping failed", "peer", shortID(p), "error", res.Error)
			return
		}
		k.node.metrics.PingLatency.Observe(res.RTT.Seconds())
		k.mu.Lock()
		k.latency[p] = res.RTT
		k.mu.Unlock()
	case <-ctx.Done():
		k.log.Debug("Keep-alive ping timed out", "peer", shortID(p))
	}
}

// Latency returns the last recorded round trip time for a peer.
func (k *KeepAlive) Latency(p peer.ID) (time.Duration, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	d, ok := k.latency[p]
	return d, ok
}
