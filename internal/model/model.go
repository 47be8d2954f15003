// Package model wraps the local OpenAI-compatible runtime serving inference,
// model listing and token counting, plus the accumulator that compiles
// model announcements from the network.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/diiisco/diiisco/internal/protocol"
)

// Sentinel errors for the model runtime.
var (
	ErrModelNotServed  = errors.New("model not served locally")
	ErrInferenceFailed = errors.New("inference request failed")
)

// Client is the model collaborator: chat completion, model discovery and
// deterministic token counting for pricing.
type Client interface {
	GetResponse(ctx context.Context, model string, inputs []protocol.ChatMessage) (json.RawMessage, error)
	GetModels(ctx context.Context) ([]protocol.ModelInfo, error)
	CountEmbeddings(ctx context.Context, model string, inputs []protocol.ChatMessage) (int, error)
}
