package node

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/config"
	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/pkg/logging"
)

// dialBackTimeout bounds the DHT lookup plus dial for a disconnected target.
const dialBackTimeout = 10 * time.Second

// Router is the egress path. Direct-preferred roles try the one-shot stream
// first and fall back to the broadcast topic when allowed; broadcast-only
// roles always publish. The router holds no state and never retries.
type Router struct {
	node    *Node
	bus     *Bus
	streams *StreamHandler
	cfg     config.DirectMessagingConfig
	metrics *Metrics
	log     *logging.Logger
}

// NewRouter wires the egress path. streams may be nil when direct messaging
// is disabled.
func NewRouter(n *Node, bus *Bus, streams *StreamHandler) *Router {
	return &Router{
		node:    n,
		bus:     bus,
		streams: streams,
		cfg:     n.cfg.DirectMessaging,
		metrics: n.metrics,
		log:     logging.GetDefault().Component("router"),
	}
}

// Send delivers one envelope. target carries the destination peer for
// direct-preferred roles; it is ignored for broadcast-only roles.
func (r *Router) Send(ctx context.Context, env *protocol.Envelope, target peer.ID) error {
	if protocol.DirectPreferred(env.Role) && r.cfg.Enabled && r.streams != nil && target != "" {
		r.ensureConnected(ctx, target)

		err := r.streams.SendDirect(ctx, target, env)
		if err == nil {
			r.metrics.DirectSent.Inc()
			return nil
		}
		r.metrics.DirectFailed.Inc()
		r.log.Warn("Direct delivery failed", "role", env.Role, "id", env.ID,
			"to", shortID(target), "error", err)

		if !r.cfg.FallbackToGossipsub {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		r.metrics.FallbackPublishes.Inc()
	}

	if err := r.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// ensureConnected dials a disconnected target before opening the stream,
// falling back to a DHT lookup when the peerstore has no route. Failure is
// left for SendDirect to surface.
func (r *Router) ensureConnected(ctx context.Context, target peer.ID) {
	if r.node.Connected(target) {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialBackTimeout)
	defer cancel()

	if err := r.node.Dial(dialCtx, peer.AddrInfo{ID: target}); err == nil {
		return
	}

	pi, err := r.node.FindPeer(dialCtx, target)
	if err != nil {
		r.log.Debug("DHT lookup failed", "peer", shortID(target), "error", err)
		return
	}
	if err := r.node.Dial(dialCtx, pi); err != nil {
		r.log.Debug("Dial-back failed", "peer", shortID(target), "error", err)
	}
}
