// Package api exposes the OpenAI-compatible HTTP facade plus the node's
// observability endpoints.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diiisco/diiisco/internal/auction"
	"github.com/diiisco/diiisco/internal/config"
	"github.com/diiisco/diiisco/internal/node"
	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/internal/session"
	"github.com/diiisco/diiisco/pkg/logging"
)

// ModelListKey is the rendezvous key the compiled network model list
// resolves on.
const ModelListKey = "model-list-compiled"

const (
	// requestTimeout bounds one chat completion end to end.
	requestTimeout = 30 * time.Second
	// meshWaitTimeout bounds the pre-publish mesh check.
	meshWaitTimeout = 5 * time.Second
)

// Network is the read-only view of the peer network the facade reports on.
type Network interface {
	ID() peer.ID
	PeerCount() int
	Uptime() time.Duration
	Connections() []node.PeerConn
}

// Mesh gates publishing on topic subscribership.
type Mesh interface {
	WaitForMesh(ctx context.Context, minSubs int, timeout time.Duration) error
	MeshPeers() []peer.ID
}

// Workflow is the customer-side session driver.
type Workflow interface {
	RequestQuote(ctx context.Context, sessionID, modelID string, inputs []protocol.ChatMessage) error
	AcceptQuote(ctx context.Context, sessionID string, winner auction.Bid, modelID string, inputs []protocol.ChatMessage) error
	RequestModels(ctx context.Context) (string, error)
	AbandonSession(sessionID string)
}

// Server is the HTTP facade.
type Server struct {
	cfg       config.APIConfig
	network   Network
	mesh      Mesh
	flow      Workflow
	events    *session.Rendezvous
	gatherer  prometheus.Gatherer
	quoteWait time.Duration
	log       *logging.Logger
	wsHub     *WSHub

	server   *http.Server
	listener net.Listener
}

// NewServer builds the facade. quoteWait is the auction window, reused as
// the model list collection window.
func NewServer(cfg config.APIConfig, network Network, mesh Mesh, flow Workflow,
	events *session.Rendezvous, gatherer prometheus.Gatherer, quoteWait time.Duration) *Server {
	return &Server{
		cfg:       cfg,
		network:   network,
		mesh:      mesh,
		flow:      flow,
		events:    events,
		gatherer:  gatherer,
		quoteWait: quoteWait,
		log:       logging.GetDefault().Component("api"),
		wsHub:     NewWSHub(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("GET /peers", s.requireAuth(http.HandlerFunc(s.handlePeers)))
	mux.Handle("GET /v1/models", s.requireAuth(http.HandlerFunc(s.handleModels)))
	mux.Handle("POST /v1/chat/completions", s.requireAuth(http.HandlerFunc(s.handleChatCompletions)))

	return mux
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 10*time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", addr, "auth", s.cfg.BearerAuthentication)
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// WSHub returns the WebSocket hub for event emission.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}
