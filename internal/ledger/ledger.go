// Package ledger talks to the escrow chain: account signing, quote escrow
// lifecycle, asset opt-in checks, and bootstrap alias resolution.
package ledger

import (
	"context"
	"errors"

	"github.com/diiisco/diiisco/internal/protocol"
)

// Sentinel errors returned by ledger operations.
var (
	ErrQuoteNotFound = errors.New("quote not found on ledger")
	ErrNotOptedIn    = errors.New("address not opted in to asset")
	ErrBadAddress    = errors.New("malformed ledger address")
	ErrBadMnemonic   = errors.New("invalid account mnemonic")
	ErrAliasNotFound = errors.New("bootstrap alias not registered")
)

// FundingStatus is the on-chain view of a quote escrow slot.
type FundingStatus struct {
	Funded        bool   `json:"funded"`
	Status        string `json:"status"`
	USDCBaseUnits uint64 `json:"usdcBaseUnits"`
}

// OptInStatus reports asset opt-in plus the current balance, in base units.
type OptInStatus struct {
	OptedIn bool   `json:"optedIn"`
	Balance uint64 `json:"balance"`
}

// Confirmation identifies a settled ledger transaction.
type Confirmation struct {
	TxID  string `json:"txId"`
	Round uint64 `json:"round"`
}

// Client is the ledger collaborator consumed by the message processor and the
// session workflow. Implementations must be safe for concurrent use.
type Client interface {
	// Escrow lifecycle.
	CreateQuote(ctx context.Context, quoteID, customerAddr string, usdcBaseUnits uint64) error
	FundQuote(ctx context.Context, quoteID string, usdcBaseUnits uint64) error
	VerifyQuoteFunded(ctx context.Context, quoteID string) (*FundingStatus, error)
	CompleteQuote(ctx context.Context, quoteID, providerAddr string) (*Confirmation, error)
	RefundQuote(ctx context.Context, quoteID string) error

	// Protocol asset.
	CheckIfOptedInToAsset(ctx context.Context, addr string, assetID uint64) (*OptInStatus, error)
	OptInToAsset(ctx context.Context, addr string, assetID uint64) error

	// Account identity.
	Address() string
	SignObject(obj interface{}) (string, error)
	SignEnvelope(env *protocol.Envelope) error
	VerifySignature(env *protocol.Envelope) bool
	IsValidAddress(addr string) bool

	// Bootstrap registry.
	ResolveAlias(ctx context.Context, name string) (string, error)
}
