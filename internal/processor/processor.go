// Package processor is the ingress pipeline: every envelope from the bus or
// a direct stream passes the addressing filter, sender validation and
// signature verification before its role handler runs.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/auction"
	"github.com/diiisco/diiisco/internal/ledger"
	"github.com/diiisco/diiisco/internal/model"
	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/internal/session"
	"github.com/diiisco/diiisco/pkg/logging"
)

// Rejection and session errors. Rejected messages are logged and dropped,
// never replied to.
var (
	ErrNotAddressedHere = errors.New("message not addressed to this node")
	ErrBadSender        = errors.New("malformed sender wallet address")
	ErrUnsigned         = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrUnknownRole      = errors.New("unknown message role")
	ErrUnderfunded      = errors.New("escrow funded below quoted total")
)

// Sender is the egress path the processor replies through.
type Sender interface {
	Send(ctx context.Context, env *protocol.Envelope, target peer.ID) error
}

// Config carries the provider-side knobs.
type Config struct {
	ProviderEnabled   bool
	ChargePer1MTokens float64
	AssetID           uint64
	CreationPipeline  []string
}

// Processor validates and dispatches envelopes.
type Processor struct {
	cfg      Config
	ownPeer  peer.ID
	router   Sender
	ledger   ledger.Client
	models   model.Client
	accum    *model.Accumulator
	auctions *auction.Engine
	sessions *session.Manager
	events   *session.Rendezvous
	log      *logging.Logger
}

// New wires the processor. models may be nil when provider mode is off.
func New(cfg Config, ownPeer peer.ID, router Sender, lc ledger.Client,
	mc model.Client, accum *model.Accumulator, auctions *auction.Engine,
	sessions *session.Manager, events *session.Rendezvous) *Processor {
	return &Processor{
		cfg:      cfg,
		ownPeer:  ownPeer,
		router:   router,
		ledger:   lc,
		models:   mc,
		accum:    accum,
		auctions: auctions,
		sessions: sessions,
		events:   events,
		log:      logging.GetDefault().Component("processor"),
	}
}

// Events returns the rendezvous table the façade awaits on.
func (p *Processor) Events() *session.Rendezvous {
	return p.events
}

// Process runs the full ingress pipeline for one envelope. Errors are
// returned for logging and tests; the caller never replies to them.
func (p *Processor) Process(ctx context.Context, env *protocol.Envelope, from peer.ID) error {
	if err := p.validate(env); err != nil {
		p.log.Debug("Dropped envelope", "role", env.Role, "id", env.ID, "reason", err)
		return err
	}
	return p.dispatch(ctx, env, from)
}

func (p *Processor) validate(env *protocol.Envelope) error {
	if env.To != "" && env.To != p.ownPeer.String() {
		return ErrNotAddressedHere
	}
	if !p.ledger.IsValidAddress(env.FromWalletAddr) {
		return fmt.Errorf("%w: %q", ErrBadSender, env.FromWalletAddr)
	}
	if env.Signature == "" {
		return ErrUnsigned
	}
	if !p.ledger.VerifySignature(env) {
		return ErrBadSignature
	}
	if !protocol.Known(env.Role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, env.Role)
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, env *protocol.Envelope, from peer.ID) error {
	switch env.Role {
	case protocol.RoleListModels:
		return p.handleListModels(ctx, env, from)
	case protocol.RoleListModelsResponse:
		return p.handleListModelsResponse(env)
	case protocol.RoleQuoteRequest:
		return p.handleQuoteRequest(ctx, env, from)
	case protocol.RoleQuoteResponse:
		return p.handleQuoteResponse(env, from)
	case protocol.RoleQuoteAccepted:
		return p.handleQuoteAccepted(ctx, env, from)
	case protocol.RoleContractCreated:
		return p.handleContractCreated(ctx, env, from)
	case protocol.RoleContractSigned:
		return p.handleContractSigned(ctx, env, from)
	case protocol.RoleInferenceResponse:
		return p.handleInferenceResponse(ctx, env)
	}
	return fmt.Errorf("%w: %q", ErrUnknownRole, env.Role)
}

// reply signs and sends one envelope back toward the source peer.
func (p *Processor) reply(ctx context.Context, role protocol.Role, sessionID string,
	to peer.ID, payload interface{}) error {
	env, err := protocol.NewEnvelope(role, sessionID, p.ledger.Address(), to.String(), payload)
	if err != nil {
		return err
	}
	if err := p.ledger.SignEnvelope(env); err != nil {
		return fmt.Errorf("sign reply: %w", err)
	}
	return p.router.Send(ctx, env, to)
}
