package processor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/diiisco/diiisco/internal/protocol"
)

// ErrNoQuoteProduced means every entry of the pricing pipeline declined.
var ErrNoQuoteProduced = errors.New("no pricing function produced a quote")

// RawQuote is the output of one pricing function.
type RawQuote struct {
	Price  float64
	Rate   float64
	Tokens int
}

// createQuote runs the configured pricing pipeline in order; the first entry
// producing a quote wins.
func (p *Processor) createQuote(ctx context.Context, modelID string, inputs []protocol.ChatMessage) (*RawQuote, error) {
	pipeline := p.cfg.CreationPipeline
	if len(pipeline) == 0 {
		pipeline = []string{"charge-per-token"}
	}

	for _, name := range pipeline {
		raw, err := p.runPricing(ctx, name, modelID, inputs)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			return raw, nil
		}
	}
	return nil, ErrNoQuoteProduced
}

// runPricing evaluates one pipeline entry. Unknown names decline rather
// than fail, so operators can stage new functions behind old ones.
func (p *Processor) runPricing(ctx context.Context, name, modelID string, inputs []protocol.ChatMessage) (*RawQuote, error) {
	switch name {
	case "charge-per-token":
		return p.chargePerToken(ctx, modelID, inputs)
	case "free":
		return &RawQuote{Price: 0, Rate: 0, Tokens: 0}, nil
	default:
		p.log.Warn("Unknown pricing function, skipping", "name", name)
		return nil, nil
	}
}

// chargePerToken prices by deterministic token count at the configured rate
// per million, rounded to six decimals.
func (p *Processor) chargePerToken(ctx context.Context, modelID string, inputs []protocol.ChatMessage) (*RawQuote, error) {
	tokens, err := p.models.CountEmbeddings(ctx, modelID, inputs)
	if err != nil {
		return nil, fmt.Errorf("count tokens: %w", err)
	}

	rate := p.cfg.ChargePer1MTokens
	price := roundTo6(float64(tokens) / 1_000_000 * rate)

	return &RawQuote{Price: price, Rate: rate, Tokens: tokens}, nil
}

func roundTo6(x float64) float64 {
	return math.Round(x*1_000_000) / 1_000_000
}
