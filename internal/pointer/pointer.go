// Package pointer implements the signed, versioned mapping from a site
// identity to its current content bundle. Publishers mint pointers with
// strictly increasing sequence numbers; resolvers verify the signature
// against the site's public key and reject anything that would move the
// sequence backwards.
package pointer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/peerpress/peerpress/internal/identity"
	"github.com/peerpress/peerpress/internal/overlay"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// signaturePrefix domain-separates pointer signatures from any other
// Ed25519 use of the same key.
const signaturePrefix = "peerpress-pointer-v1"

// Pointer maps a site id to a content bundle at a point in the site's
// publish history. A pointer is never mutated; each publish supersedes
// the previous one with a higher sequence.
type Pointer struct {
	SiteID    string    `json:"site_id"`
	BundleID  string    `json:"bundle_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature"`
}

// canonicalBytes is the byte string the signature covers: a fixed
// domain-separation prefix followed by the JSON encoding of every field
// except the signature, in struct declaration order.
func (p *Pointer) canonicalBytes() ([]byte, error) {
	body, err := json.Marshal(struct {
		SiteID    string    `json:"site_id"`
		BundleID  string    `json:"bundle_id"`
		Sequence  uint64    `json:"sequence"`
		Timestamp time.Time `json:"timestamp"`
	}{p.SiteID, p.BundleID, p.Sequence, p.Timestamp})
	if err != nil {
		return nil, xerrors.Wrap(err, "pointer: canonical encoding")
	}
	return append([]byte(signaturePrefix), body...), nil
}

// Sign computes and attaches the signature.
func (p *Pointer) Sign(priv ed25519.PrivateKey) error {
	msg, err := p.canonicalBytes()
	if err != nil {
		return err
	}
	p.Signature = ed25519.Sign(priv, msg)
	return nil
}

// Verify reports whether the signature is valid under pub and the
// pointer's site id matches the id derived from pub. A site id claimed
// by a remote party is never trusted without this re-derivation.
func (p *Pointer) Verify(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	if p.SiteID != identity.DeriveSiteID(pub) {
		return false
	}
	msg, err := p.canonicalBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, p.Signature)
}

// Encode serializes the pointer with its signature for overlay storage.
func (p *Pointer) Encode() ([]byte, error) {
	out, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Wrap(err, "pointer: encode")
	}
	return out, nil
}

// Decode parses an overlay value back into a pointer.
func Decode(raw []byte) (*Pointer, error) {
	var p Pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.Wrap(err, "pointer: decode")
	}
	return &p, nil
}

// OverlayKey is the overlay key for a site: the raw Ed25519 public key.
func OverlayKey(pub ed25519.PublicKey) (overlay.Key, error) {
	var k overlay.Key
	if len(pub) != overlay.KeySize {
		return k, xerrors.Newf("pointer: public key is %d bytes, want %d", len(pub), overlay.KeySize)
	}
	copy(k[:], pub)
	return k, nil
}

// PreferHighestSequence is the overlay conflict rule for pointer
// records: the highest sequence wins, ties broken by lexicographically
// greatest signature bytes. Redundant puts of an already-stored pointer
// are harmless, which makes publish retries idempotent.
func PreferHighestSequence() overlay.Prefer {
	return func(current, candidate []byte) bool {
		cur, err := Decode(current)
		if err != nil {
			return true
		}
		cand, err := Decode(candidate)
		if err != nil {
			return false
		}
		if cand.Sequence != cur.Sequence {
			return cand.Sequence > cur.Sequence
		}
		return bytes.Compare(cand.Signature, cur.Signature) > 0
	}
}
