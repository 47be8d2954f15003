package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diiisco/diiisco/internal/protocol"
)

const tokenHeader = "X-Algo-API-Token"

// AlgoClient talks to an algod-style escrow endpoint over HTTP. All escrow
// mutations are composed server-side into atomic transaction groups, so the
// client is a thin, thread-safe REST wrapper.
type AlgoClient struct {
	baseURL    string
	token      string
	assetID    uint64
	appID      uint64
	signer     *Signer
	httpClient *http.Client
}

var _ Client = (*AlgoClient)(nil)

// NewAlgoClient builds a ledger client for the given endpoint and account.
func NewAlgoClient(baseURL, token string, assetID, appID uint64, signer *Signer) *AlgoClient {
	return &AlgoClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		assetID: assetID,
		appID:   appID,
		signer:  signer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *AlgoClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrQuoteNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ledger %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode ledger response: %w", err)
		}
	}
	return nil
}

// CreateQuote opens an escrow slot for the session on-chain.
func (c *AlgoClient) CreateQuote(ctx context.Context, quoteID, customerAddr string, usdcBaseUnits uint64) error {
	body := map[string]interface{}{
		"quoteId":       quoteID,
		"customerAddr":  customerAddr,
		"providerAddr":  c.signer.Address(),
		"usdcBaseUnits": usdcBaseUnits,
		"appId":         c.appID,
	}
	return c.do(ctx, http.MethodPost, "/v2/quotes", body, nil)
}

// FundQuote moves the customer's escrow amount into the slot.
func (c *AlgoClient) FundQuote(ctx context.Context, quoteID string, usdcBaseUnits uint64) error {
	body := map[string]interface{}{
		"usdcBaseUnits": usdcBaseUnits,
		"assetId":       c.assetID,
	}
	return c.do(ctx, http.MethodPost, "/v2/quotes/"+quoteID+"/fund", body, nil)
}

// VerifyQuoteFunded reads the escrow slot state for a session.
func (c *AlgoClient) VerifyQuoteFunded(ctx context.Context, quoteID string) (*FundingStatus, error) {
	var status FundingStatus
	if err := c.do(ctx, http.MethodGet, "/v2/quotes/"+quoteID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CompleteQuote settles the escrowed payment to the provider.
func (c *AlgoClient) CompleteQuote(ctx context.Context, quoteID, providerAddr string) (*Confirmation, error) {
	body := map[string]interface{}{
		"providerAddr": providerAddr,
	}
	var conf Confirmation
	if err := c.do(ctx, http.MethodPost, "/v2/quotes/"+quoteID+"/complete", body, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// RefundQuote aborts the slot and returns the escrow to the customer.
func (c *AlgoClient) RefundQuote(ctx context.Context, quoteID string) error {
	return c.do(ctx, http.MethodPost, "/v2/quotes/"+quoteID+"/refund", nil, nil)
}

// CheckIfOptedInToAsset reports opt-in state and balance for addr.
func (c *AlgoClient) CheckIfOptedInToAsset(ctx context.Context, addr string, assetID uint64) (*OptInStatus, error) {
	var status OptInStatus
	path := fmt.Sprintf("/v2/accounts/%s/assets/%d", addr, assetID)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		if err == ErrQuoteNotFound {
			return &OptInStatus{}, nil
		}
		return nil, err
	}
	return &status, nil
}

// OptInToAsset submits a zero-amount self-transfer opting addr into assetID.
func (c *AlgoClient) OptInToAsset(ctx context.Context, addr string, assetID uint64) error {
	body := map[string]interface{}{
		"addr":    addr,
		"assetId": assetID,
	}
	return c.do(ctx, http.MethodPost, "/v2/assets/opt-in", body, nil)
}

// Address returns the node's wallet address.
func (c *AlgoClient) Address() string {
	return c.signer.Address()
}

// SignObject signs the canonical form of obj with the account key.
func (c *AlgoClient) SignObject(obj interface{}) (string, error) {
	return c.signer.SignObject(obj)
}

// SignEnvelope signs env in place.
func (c *AlgoClient) SignEnvelope(env *protocol.Envelope) error {
	return c.signer.SignEnvelope(env)
}

// VerifySignature checks env against the key embedded in its sender address.
func (c *AlgoClient) VerifySignature(env *protocol.Envelope) bool {
	return VerifySignature(env)
}

// IsValidAddress reports whether addr is a well-formed wallet address.
func (c *AlgoClient) IsValidAddress(addr string) bool {
	return IsValidAddress(addr)
}
