package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the node's instrumentation on an isolated registry, so tests
// can build many nodes without duplicate-collector panics.
type Metrics struct {
	registry *prometheus.Registry

	PeersConnected    prometheus.Gauge
	DialFailures      prometheus.Counter
	MessagesPublished prometheus.Counter
	MessagesReceived  prometheus.Counter
	DirectSent        prometheus.Counter
	DirectFailed      prometheus.Counter
	FallbackPublishes prometheus.Counter
	ReconnectAttempts prometheus.Counter
	PingLatency       prometheus.Histogram
}

// NewMetrics builds the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "diiisco_peers_connected",
			Help: "Number of currently connected peers.",
		}),
		DialFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_dial_failures_total",
			Help: "Outbound dials that failed.",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_messages_published_total",
			Help: "Envelopes published on the well-known topic.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_messages_received_total",
			Help: "Envelopes received from the well-known topic.",
		}),
		DirectSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_direct_sent_total",
			Help: "Direct stream messages delivered.",
		}),
		DirectFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_direct_failed_total",
			Help: "Direct stream deliveries that failed.",
		}),
		FallbackPublishes: factory.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_fallback_publishes_total",
			Help: "Direct-preferred messages that fell back to gossipsub.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_reconnect_attempts_total",
			Help: "Reconnection attempts made by the supervisor.",
		}),
		PingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "diiisco_ping_latency_seconds",
			Help:    "Keep-alive round trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry for the metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
