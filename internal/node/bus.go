package node

import (
	"context"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/pkg/logging"
)

// IngressFunc receives one decoded envelope and the peer that carried it.
type IngressFunc func(env *protocol.Envelope, from peer.ID)

// Bus is the broadcast side of the transport: every node joins the one
// well-known topic and fans incoming envelopes out to the ingress handler.
// Delivery is at-most-once with no ordering between publishers, and the node
// receives its own publications.
type Bus struct {
	node  *Node
	log   *logging.Logger
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	ingress IngressFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBus creates the broadcast bus. Start must be called before Publish.
func NewBus(n *Node, ingress IngressFunc) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		node:    n,
		log:     logging.GetDefault().Component("bus"),
		ingress: ingress,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start joins the well-known topic and begins the read loop.
func (b *Bus) Start() error {
	if b.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	topic, err := b.node.pubsub.Join(protocol.WellKnownTopic)
	if err != nil {
		return fmt.Errorf("join topic: %w", err)
	}
	b.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.sub = sub

	go b.processMessages()

	b.log.Info("Broadcast bus started", "topic", protocol.WellKnownTopic)
	return nil
}

// Stop cancels the read loop and leaves the topic.
func (b *Bus) Stop() {
	b.cancel()
	if b.sub != nil {
		b.sub.Cancel()
	}
	if b.topic != nil {
		b.topic.Close()
	}
	b.log.Info("Broadcast bus stopped")
}

// Publish broadcasts an encoded envelope. Publishing into an empty mesh is
// permitted; a lone subscriber still hears itself.
func (b *Bus) Publish(ctx context.Context, env *protocol.Envelope) error {
	if b.topic == nil {
		return fmt.Errorf("not joined to topic")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := b.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	b.node.metrics.MessagesPublished.Inc()
	b.log.Debug("Published envelope", "role", env.Role, "id", env.ID)
	return nil
}

// MeshPeers returns the peers currently subscribed to the topic.
func (b *Bus) MeshPeers() []peer.ID {
	if b.topic == nil {
		return nil
	}
	return b.topic.ListPeers()
}

// WaitForMesh blocks until at least minSubs peers share the topic or the
// timeout elapses with ErrNoMesh.
func (b *Bus) WaitForMesh(ctx context.Context, minSubs int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(b.MeshPeers()) >= minSubs {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: fewer than %d subscribers after %s", ErrNoMesh, minSubs, timeout)
		case <-ticker.C:
		}
	}
}

// processMessages is the inbound fan-out loop.
func (b *Bus) processMessages() {
	for {
		msg, err := b.sub.Next(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn("Error receiving message", "error", err)
			continue
		}

		env, err := protocol.Decode(msg.Data)
		if err != nil {
			b.log.Warn("Failed to decode envelope", "from", shortID(msg.ReceivedFrom), "error", err)
			continue
		}

		b.node.metrics.MessagesReceived.Inc()
		b.log.Debug("Received envelope", "role", env.Role, "id", env.ID, "from", shortID(msg.ReceivedFrom))

		go b.ingress(env, msg.ReceivedFrom)
	}
}
