// Package identity manages site publishing identities: Ed25519 keypairs,
// the site id derived from the public key, and sealing of private keys
// at rest (passphrase or KMS).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/peerpress/peerpress/internal/xerrors"
)

// SiteIDLen is the length of a site id in hex characters.
const SiteIDLen = 64

// Identity is a site publishing identity. SiteID is always derived from
// PublicKey, never accepted from a remote party as-is.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	SiteID     string
}

// Generate creates a fresh Ed25519 identity. An entropy failure is fatal
// and propagates to the caller.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, xerrors.Wrap(err, "identity: generate keypair")
	}
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		SiteID:     DeriveSiteID(pub),
	}, nil
}

// FromPrivateKey reconstructs an identity from a raw Ed25519 private key,
// re-deriving the public key and site id.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, xerrors.Newf("identity: private key is %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		SiteID:     DeriveSiteID(pub),
	}, nil
}

// DeriveSiteID returns hex(SHA-256(pub)). Pure and deterministic.
func DeriveSiteID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}

// ValidateSiteID reports whether s is syntactically a site id: exactly 64
// lowercase-insensitive hex characters. Never panics on arbitrary input.
func ValidateSiteID(s string) bool {
	if len(s) != SiteIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
