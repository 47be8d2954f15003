// Package protocol defines the diiisco message envelope, the closed role
// taxonomy, and the canonical JSON form used for signing and verification.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// WellKnownTopic is the single pub/sub topic all broadcast traffic uses.
const WellKnownTopic = "diiisco/models/1.0.0"

// DirectProtocolID is the default libp2p protocol for one-shot direct streams.
const DirectProtocolID = "/diiisco/direct/1.0.0"

// Role discriminates message envelopes. The set is closed.
type Role string

// Message roles.
const (
	RoleListModels         Role = "list-models"
	RoleListModelsResponse Role = "list-models-response"
	RoleQuoteRequest       Role = "quote-request"
	RoleQuoteResponse      Role = "quote-response"
	RoleQuoteAccepted      Role = "quote-accepted"
	RoleContractCreated    Role = "contract-created"
	RoleContractSigned     Role = "contract-signed"
	RoleInferenceResponse  Role = "inference-response"
)

var broadcastOnly = map[Role]bool{
	RoleListModels:         true,
	RoleListModelsResponse: true,
	RoleQuoteRequest:       true,
	RoleQuoteResponse:      true,
}

var directPreferred = map[Role]bool{
	RoleQuoteAccepted:     true,
	RoleContractCreated:   true,
	RoleContractSigned:    true,
	RoleInferenceResponse: true,
}

// Known reports whether r belongs to the closed role set.
func Known(r Role) bool {
	return broadcastOnly[r] || directPreferred[r]
}

// BroadcastOnly reports whether r is always delivered on the well-known topic.
func BroadcastOnly(r Role) bool {
	return broadcastOnly[r]
}

// DirectPreferred reports whether r should use a direct stream when possible.
func DirectPreferred(r Role) bool {
	return directPreferred[r]
}

// Envelope is the shape shared by every message regardless of transport.
// Field names are the wire keys; Signature covers the canonical JSON of the
// envelope with the signature field removed.
type Envelope struct {
	Role           Role            `json:"role"`
	ID             string          `json:"id"`
	Timestamp      int64           `json:"timestamp"`
	FromWalletAddr string          `json:"fromWalletAddr"`
	To             string          `json:"to,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Signature      string          `json:"signature,omitempty"`
}

// ChatMessage is one entry of a chat completion input array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Quote is a provider's priced offer for a request.
type Quote struct {
	Model           string  `json:"model"`
	InputCount      int     `json:"inputCount"`
	TokenCount      int     `json:"tokenCount"`
	PricePerMillion float64 `json:"pricePerMillion"`
	TotalPrice      float64 `json:"totalPrice"`
	Addr            string  `json:"addr"`
}

// QuoteRequestPayload is carried by quote-request envelopes.
type QuoteRequestPayload struct {
	Model  string        `json:"model"`
	Inputs []ChatMessage `json:"inputs"`
}

// QuoteResponsePayload is carried by quote-response envelopes. The same shape
// travels unchanged through quote-accepted, contract-created and
// contract-signed.
type QuoteResponsePayload struct {
	Model  string        `json:"model"`
	Inputs []ChatMessage `json:"inputs"`
	Quote  Quote         `json:"quote"`
}

// InferenceResponsePayload is the accepted payload plus the completion body.
type InferenceResponsePayload struct {
	Model      string          `json:"model"`
	Inputs     []ChatMessage   `json:"inputs"`
	Quote      Quote           `json:"quote"`
	Completion json.RawMessage `json:"completion"`
}

// ModelInfo describes one served model, OpenAI list shape.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelListPayload is carried by list-models-response envelopes.
type ModelListPayload struct {
	Models []ModelInfo `json:"models"`
}

// NewEnvelope builds an unsigned envelope with the current timestamp.
func NewEnvelope(role Role, id, fromWalletAddr, to string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Role:           role,
		ID:             id,
		Timestamp:      time.Now().UnixMilli(),
		FromWalletAddr: fromWalletAddr,
		To:             to,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = raw
	}
	return env, nil
}

// SessionID derives the session identifier for a request originated locally:
// the first 56 hex characters of sha256(ms-timestamp || canonical body).
func SessionID(timestampMillis int64, body []byte) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(timestampMillis, 10)))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:56], nil
}

// Decode parses a wire frame into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes an envelope for the wire. The payload bytes are carried
// verbatim, so decoding and re-encoding never perturbs the signature input.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// SigningBytes returns the canonical JSON of the envelope with the signature
// field removed. Both signing and verification use this form.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal unsigned envelope: %w", err)
	}
	return Canonicalize(raw)
}
