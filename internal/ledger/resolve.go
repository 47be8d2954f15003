package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// AliasSuffix marks bootstrap entries that resolve through the on-chain
// name registry instead of being dialed directly.
const AliasSuffix = ".diiisco"

// IsAlias reports whether a bootstrap entry needs registry resolution.
func IsAlias(name string) bool {
	return strings.HasSuffix(name, AliasSuffix)
}

// ResolveAlias looks up a registered name and returns its multiaddr. Entries
// that are not aliases pass through unchanged. Either way the result must be
// a dialable bootstrap address or the entry is rejected.
func (c *AlgoClient) ResolveAlias(ctx context.Context, name string) (string, error) {
	addr := name
	if IsAlias(name) {
		var record struct {
			Multiaddr string `json:"multiaddr"`
		}
		err := c.do(ctx, http.MethodGet, "/v2/registry/"+name, nil, &record)
		if err == ErrQuoteNotFound {
			return "", fmt.Errorf("%w: %s", ErrAliasNotFound, name)
		}
		if err != nil {
			return "", err
		}
		addr = record.Multiaddr
	}
	if err := ValidateBootstrapAddr(addr); err != nil {
		return "", err
	}
	return addr, nil
}

// ValidateBootstrapAddr accepts only full dialable addresses of the form
// /dns4|ip4/<host>/tcp/<port>/p2p/<peer-id>.
func ValidateBootstrapAddr(addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("bootstrap address %q: %w", addr, err)
	}
	protos := m.Protocols()
	if len(protos) != 3 {
		return fmt.Errorf("bootstrap address %q: want host/tcp/p2p form", addr)
	}
	if protos[0].Code != ma.P_DNS4 && protos[0].Code != ma.P_IP4 {
		return fmt.Errorf("bootstrap address %q: first component must be dns4 or ip4", addr)
	}
	if protos[1].Code != ma.P_TCP {
		return fmt.Errorf("bootstrap address %q: second component must be tcp", addr)
	}
	if protos[2].Code != ma.P_P2P {
		return fmt.Errorf("bootstrap address %q: missing p2p peer id", addr)
	}
	return nil
}
