package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/diiisco/diiisco/internal/auction"
	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/internal/session"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Customer-side initiation, driven by the HTTP façade.

// RequestQuote opens a customer session and broadcasts the quote request.
// The auction engine will collect the bids that come back under sessionID.
func (p *Processor) RequestQuote(ctx context.Context, sessionID, modelID string, inputs []protocol.ChatMessage) error {
	if _, err := p.sessions.Open(sessionID, session.RoleCustomer, "", session.StateDiscovering); err != nil {
		return err
	}

	env, err := protocol.NewEnvelope(protocol.RoleQuoteRequest, sessionID, p.ledger.Address(), "",
		protocol.QuoteRequestPayload{Model: modelID, Inputs: inputs})
	if err != nil {
		p.sessions.Drop(sessionID)
		return err
	}
	if err := p.ledger.SignEnvelope(env); err != nil {
		p.sessions.Drop(sessionID)
		return fmt.Errorf("sign quote request: %w", err)
	}
	if err := p.router.Send(ctx, env, ""); err != nil {
		p.sessions.Drop(sessionID)
		return err
	}

	return p.sessions.Advance(sessionID, session.StateDiscovering, session.StateQuoted)
}

// AcceptQuote sends quote-accepted to the auction winner and moves the
// session forward. The accepted payload travels unchanged through the rest
// of the contract exchange.
func (p *Processor) AcceptQuote(ctx context.Context, sessionID string, winner auction.Bid,
	modelID string, inputs []protocol.ChatMessage) error {
	if err := p.sessions.Advance(sessionID, session.StateQuoted, session.StateAccepted); err != nil {
		return err
	}

	payload := protocol.QuoteResponsePayload{
		Model:  modelID,
		Inputs: inputs,
		Quote:  winner.Quote,
	}
	p.sessions.SetQuote(sessionID, winner.Quote)

	if err := p.reply(ctx, protocol.RoleQuoteAccepted, sessionID, winner.FromPeer, payload); err != nil {
		p.sessions.Drop(sessionID)
		return err
	}
	return nil
}

// RequestModels broadcasts list-models. Responses flow into the accumulator,
// which emits the compiled list once the mesh goes quiet.
func (p *Processor) RequestModels(ctx context.Context) (string, error) {
	id, err := protocol.SessionID(nowMillis(), []byte(`{"op":"list-models"}`))
	if err != nil {
		return "", err
	}

	env, err := protocol.NewEnvelope(protocol.RoleListModels, id, p.ledger.Address(), "", nil)
	if err != nil {
		return "", err
	}
	if err := p.ledger.SignEnvelope(env); err != nil {
		return "", fmt.Errorf("sign list-models: %w", err)
	}
	return id, p.router.Send(ctx, env, "")
}

// AbandonSession drops a session the façade gave up on.
func (p *Processor) AbandonSession(sessionID string) {
	p.sessions.Drop(sessionID)
	p.auctions.Forget(sessionID)
}
