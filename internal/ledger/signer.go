package ledger

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"

	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/diiisco/diiisco/internal/protocol"
)

const (
	addressChecksumLen = 4
	addressLen         = ed25519.PublicKeySize + addressChecksumLen
)

var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Signer holds the node's ledger account key. The wallet address doubles as
// the verification key: peers decode the public key straight out of
// fromWalletAddr, so no key exchange happens over the network.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	addr string
}

// NewSigner derives the account key from a mnemonic phrase.
func NewSigner(mnemonic string) (*Signer, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrBadMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		priv: priv,
		pub:  pub,
		addr: EncodeAddress(pub),
	}, nil
}

// Address returns the account's wallet address.
func (s *Signer) Address() string {
	return s.addr
}

// SignObject signs the canonical JSON form of obj and returns the signature
// base64-encoded.
func (s *Signer) SignObject(obj interface{}) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	canonical, err := protocol.Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize object: %w", err)
	}
	sig := ed25519.Sign(s.priv, canonical)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignEnvelope signs env in place over its canonical form minus the
// signature field.
func (s *Signer) SignEnvelope(env *protocol.Envelope) error {
	msg, err := env.SigningBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(s.priv, msg)
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifySignature checks env's signature against the public key embedded in
// its fromWalletAddr. Any decoding failure counts as a bad signature.
func VerifySignature(env *protocol.Envelope) bool {
	pub, err := DecodeAddress(env.FromWalletAddr)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg, err := env.SigningBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EncodeAddress renders a public key as a wallet address: base32 of the key
// followed by the last four bytes of its sha512/256 digest.
func EncodeAddress(pub ed25519.PublicKey) string {
	digest := sha512.Sum512_256(pub)
	buf := make([]byte, 0, addressLen)
	buf = append(buf, pub...)
	buf = append(buf, digest[len(digest)-addressChecksumLen:]...)
	return addressEncoding.EncodeToString(buf)
}

// DecodeAddress recovers the public key from a wallet address, rejecting
// malformed or checksum-failing inputs.
func DecodeAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := addressEncoding.DecodeString(addr)
	if err != nil || len(raw) != addressLen {
		return nil, ErrBadAddress
	}
	pub := ed25519.PublicKey(raw[:ed25519.PublicKeySize])
	digest := sha512.Sum512_256(pub)
	for i := 0; i < addressChecksumLen; i++ {
		if raw[ed25519.PublicKeySize+i] != digest[len(digest)-addressChecksumLen+i] {
			return nil, ErrBadAddress
		}
	}
	return pub, nil
}

// IsValidAddress reports whether addr is a well-formed wallet address.
func IsValidAddress(addr string) bool {
	_, err := DecodeAddress(addr)
	return err == nil
}
