package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diiisco/diiisco/internal/auction"
	"github.com/diiisco/diiisco/internal/node"
	"github.com/diiisco/diiisco/internal/protocol"
)

// maxRequestBody caps one chat completion request.
const maxRequestBody = 1 << 20

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []protocol.ChatMessage `json:"messages"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peerId":        s.network.ID().String(),
		"peerCount":     s.network.PeerCount(),
		"meshPeers":     len(s.mesh.MeshPeers()),
		"uptimeSeconds": int64(s.network.Uptime().Seconds()),
		"wsClients":     s.wsHub.ClientCount(),
		"delivery":      s.deliveryCounters(),
	})
}

// deliveryCounters snapshots the node's counters for the stats endpoint.
func (s *Server) deliveryCounters() map[string]float64 {
	out := make(map[string]float64)
	if s.gatherer == nil {
		return out
	}
	families, err := s.gatherer.Gather()
	if err != nil {
		return out
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[f.GetName()] = c.GetValue()
			}
		}
	}
	return out
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	type peerEntry struct {
		RemoteAddr string `json:"remoteAddr"`
		PeerID     string `json:"peerId"`
	}

	conns := s.network.Connections()
	peers := make([]peerEntry, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, peerEntry{
			RemoteAddr: c.RemoteAddr.String(),
			PeerID:     c.PeerID.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// handleModels broadcasts a model discovery request and returns whatever the
// network announced before the collection window went quiet. No providers
// answering yields an empty list, not an error.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	watch := s.events.Watch(ModelListKey)
	defer watch.Cancel()

	if _, err := s.flow.RequestModels(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "model discovery failed", "server_error")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*s.quoteWait+time.Second)
	defer cancel()

	data := make([]protocol.ModelInfo, 0)
	if v, err := watch.Wait(ctx); err == nil {
		if models, ok := v.([]protocol.ModelInfo); ok {
			data = models
		}
	}

	s.wsHub.Broadcast(EventModelList, data)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// handleChatCompletions runs one full trade: quote auction, contract
// exchange, inference, settlement. The provider's completion body is
// returned verbatim.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", "invalid_request_error")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", "invalid_request_error")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required", "invalid_request_error")
		return
	}

	sessionID, err := protocol.SessionID(time.Now().UnixMilli(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session derivation failed", "server_error")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.mesh.WaitForMesh(ctx, 1, meshWaitTimeout); err != nil {
		if errors.Is(err, node.ErrNoMesh) {
			writeError(w, http.StatusServiceUnavailable, "no peers subscribed to the marketplace topic", "server_error")
			return
		}
		writeError(w, http.StatusInternalServerError, "mesh check failed", "server_error")
		return
	}

	// Both waiters register before the messages that trigger them go out, so
	// an answer arriving ahead of the Wait still lands.
	quoteWatch := s.events.Watch("quote-selected-" + sessionID)
	defer quoteWatch.Cancel()
	respWatch := s.events.Watch("inference-response-" + sessionID)
	defer respWatch.Cancel()

	if err := s.flow.RequestQuote(ctx, sessionID, req.Model, req.Messages); err != nil {
		writeError(w, http.StatusInternalServerError, "quote request failed", "server_error")
		return
	}

	winnerV, err := quoteWatch.Wait(ctx)
	if err != nil {
		s.flow.AbandonSession(sessionID)
		writeError(w, http.StatusGatewayTimeout,
			fmt.Sprintf("no provider quoted %s", req.Model), "server_error")
		return
	}
	winner, ok := winnerV.(auction.Bid)
	if !ok {
		s.flow.AbandonSession(sessionID)
		writeError(w, http.StatusInternalServerError, "auction produced no usable winner", "server_error")
		return
	}

	s.wsHub.Broadcast(EventQuoteSelected, map[string]interface{}{
		"sessionId":  sessionID,
		"provider":   winner.FromPeer.String(),
		"totalPrice": winner.Quote.TotalPrice,
	})

	if err := s.flow.AcceptQuote(ctx, sessionID, winner, req.Model, req.Messages); err != nil {
		writeError(w, http.StatusInternalServerError, "quote acceptance failed", "server_error")
		return
	}

	respV, err := respWatch.Wait(ctx)
	if err != nil {
		s.flow.AbandonSession(sessionID)
		writeError(w, http.StatusGatewayTimeout, "provider did not respond in time", "server_error")
		return
	}
	resp, ok := respV.(protocol.InferenceResponsePayload)
	if !ok {
		writeError(w, http.StatusInternalServerError, "malformed inference response", "server_error")
		return
	}

	s.wsHub.Broadcast(EventSessionCompleted, map[string]string{"sessionId": sessionID})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Completion)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]interface{}{
		"error": apiError{Message: message, Type: errType},
	})
}
