package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/auction"
	"github.com/diiisco/diiisco/internal/ledger"
	"github.com/diiisco/diiisco/internal/model"
	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/internal/session"
)

// handleListModels answers a model discovery broadcast with our served list.
func (p *Processor) handleListModels(ctx context.Context, env *protocol.Envelope, from peer.ID) error {
	if !p.cfg.ProviderEnabled || p.models == nil {
		return nil
	}

	models, err := p.models.GetModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if len(models) == 0 {
		return nil
	}

	return p.reply(ctx, protocol.RoleListModelsResponse, env.ID, from,
		protocol.ModelListPayload{Models: models})
}

// handleListModelsResponse feeds a peer's model list into the accumulator.
func (p *Processor) handleListModelsResponse(env *protocol.Envelope) error {
	if p.accum == nil {
		return nil
	}
	var payload protocol.ModelListPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode model list: %w", err)
	}
	p.accum.AddModels(payload.Models)
	return nil
}

// handleQuoteRequest prices a request against our served models and bids.
// Requests for models we do not serve are dropped without a reply.
func (p *Processor) handleQuoteRequest(ctx context.Context, env *protocol.Envelope, from peer.ID) error {
	if !p.cfg.ProviderEnabled || p.models == nil {
		return nil
	}

	// The broadcast loops back to us; a node never bids on its own request.
	if env.FromWalletAddr == p.ledger.Address() {
		return nil
	}

	var req protocol.QuoteRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("decode quote request: %w", err)
	}

	served, err := p.servesModel(ctx, req.Model)
	if err != nil {
		return err
	}
	if !served {
		return nil
	}

	status, err := p.ledger.CheckIfOptedInToAsset(ctx, env.FromWalletAddr, p.cfg.AssetID)
	if err != nil {
		return fmt.Errorf("opt-in check: %w", err)
	}
	if !status.OptedIn {
		p.log.Info("Requester not opted in, dropping quote request",
			"id", env.ID, "addr", env.FromWalletAddr)
		return ledger.ErrNotOptedIn
	}

	raw, err := p.createQuote(ctx, req.Model, req.Inputs)
	if err != nil {
		return err
	}

	quote := protocol.Quote{
		Model:           req.Model,
		InputCount:      len(req.Inputs),
		TokenCount:      raw.Tokens,
		PricePerMillion: raw.Rate,
		TotalPrice:      raw.Price,
		Addr:            p.ledger.Address(),
	}

	return p.reply(ctx, protocol.RoleQuoteResponse, env.ID, from, protocol.QuoteResponsePayload{
		Model:  req.Model,
		Inputs: req.Inputs,
		Quote:  quote,
	})
}

// handleQuoteResponse forwards a provider's bid to the auction engine.
func (p *Processor) handleQuoteResponse(env *protocol.Envelope, from peer.ID) error {
	var payload protocol.QuoteResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode quote response: %w", err)
	}
	p.auctions.AddBid(env.ID, auction.Bid{FromPeer: from, Quote: payload.Quote})
	return nil
}

// handleQuoteAccepted is the provider side of contract formation: create the
// on-chain escrow slot and hand the contract back.
func (p *Processor) handleQuoteAccepted(ctx context.Context, env *protocol.Envelope, from peer.ID) error {
	var payload protocol.QuoteResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode accepted quote: %w", err)
	}

	if _, err := p.sessions.Open(env.ID, session.RoleProvider, from, session.StateQuoteOffered); err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			p.log.Debug("Duplicate quote-accepted, dropping", "id", env.ID)
			return nil
		}
		return err
	}
	p.sessions.SetQuote(env.ID, payload.Quote)

	units := usdcBaseUnits(payload.Quote.TotalPrice)
	if err := p.ledger.CreateQuote(ctx, env.ID, env.FromWalletAddr, units); err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("create quote escrow: %w", err)
	}

	if err := p.sessions.Advance(env.ID, session.StateQuoteOffered, session.StateContractCreatedSent); err != nil {
		return err
	}
	return p.reply(ctx, protocol.RoleContractCreated, env.ID, from, payload)
}

// handleContractCreated is the customer side: fund the escrow and sign. The
// state guard runs before FundQuote so a contract for a session this node
// never accepted, or a replay of one it did, cannot move money.
func (p *Processor) handleContractCreated(ctx context.Context, env *protocol.Envelope, from peer.ID) error {
	var payload protocol.QuoteResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode contract: %w", err)
	}

	if err := p.sessions.Advance(env.ID, session.StateAccepted, session.StateContractSignedSent); err != nil {
		p.log.Debug("Out-of-order contract-created, dropping", "id", env.ID, "error", err)
		return nil
	}

	units := usdcBaseUnits(payload.Quote.TotalPrice)
	if err := p.ledger.FundQuote(ctx, env.ID, units); err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("fund quote escrow: %w", err)
	}
	return p.reply(ctx, protocol.RoleContractSigned, env.ID, from, payload)
}

// handleContractSigned is the provider side of settlement: verify funding,
// run inference, and return the completion. An underfunded escrow aborts
// before any inference runs.
func (p *Processor) handleContractSigned(ctx context.Context, env *protocol.Envelope, from peer.ID) error {
	var payload protocol.QuoteResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode signed contract: %w", err)
	}

	if err := p.sessions.Advance(env.ID, session.StateContractCreatedSent, session.StateInferring); err != nil {
		p.log.Debug("Out-of-order contract-signed, dropping", "id", env.ID, "error", err)
		return nil
	}

	status, err := p.ledger.VerifyQuoteFunded(ctx, env.ID)
	if err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("verify funding: %w", err)
	}
	if status.USDCBaseUnits < usdcBaseUnits(payload.Quote.TotalPrice) {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: funded %d, quoted %d", ErrUnderfunded,
			status.USDCBaseUnits, usdcBaseUnits(payload.Quote.TotalPrice))
	}

	completion, err := p.models.GetResponse(ctx, payload.Model, payload.Inputs)
	if err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: %v", model.ErrInferenceFailed, err)
	}

	if err := p.sessions.Advance(env.ID, session.StateInferring, session.StateResponded); err != nil {
		return err
	}
	err = p.reply(ctx, protocol.RoleInferenceResponse, env.ID, from, protocol.InferenceResponsePayload{
		Model:      payload.Model,
		Inputs:     payload.Inputs,
		Quote:      payload.Quote,
		Completion: completion,
	})
	p.sessions.Drop(env.ID)
	return err
}

// handleInferenceResponse is the customer's last step: settle payment and
// wake the façade waiting on this session.
func (p *Processor) handleInferenceResponse(ctx context.Context, env *protocol.Envelope) error {
	var payload protocol.InferenceResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode inference response: %w", err)
	}

	if err := p.sessions.Advance(env.ID, session.StateContractSignedSent, session.StatePaid); err != nil {
		p.log.Debug("Out-of-order inference-response, dropping", "id", env.ID, "error", err)
		return nil
	}

	if _, err := p.ledger.CompleteQuote(ctx, env.ID, payload.Quote.Addr); err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("complete quote: %w", err)
	}

	p.events.Resolve("inference-response-"+env.ID, payload)
	p.sessions.Drop(env.ID)
	return nil
}

// servesModel reports whether the local runtime lists the model.
func (p *Processor) servesModel(ctx context.Context, id string) (bool, error) {
	models, err := p.models.GetModels(ctx)
	if err != nil {
		return false, fmt.Errorf("list models: %w", err)
	}
	for _, m := range models {
		if m.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// usdcBaseUnits converts a quoted USD price to asset base units.
func usdcBaseUnits(price float64) uint64 {
	return uint64(math.Round(price * 1_000_000))
}
