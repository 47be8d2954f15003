package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// ErrIdentityCorrupt means the identity file exists but cannot be parsed.
// The node refuses to boot rather than silently mint a new peer id.
var ErrIdentityCorrupt = errors.New("identity file corrupt")

// loadOrCreateIdentity loads the node key from keyPath, generating and
// persisting a fresh ed25519 key on first boot. The write is atomic so a
// crash mid-boot cannot leave a half-written identity behind.
func loadOrCreateIdentity(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrIdentityCorrupt, keyPath, err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	tmp := keyPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, keyPath); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	return priv, nil
}
