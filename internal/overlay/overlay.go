// Package overlay abstracts the distributed key/value overlay that
// mutable pointers are published through. Keys are raw Ed25519 public
// keys; values are opaque signed pointer bytes with no transport
// framing.
package overlay

import (
	"context"
	"errors"
)

// KeySize is the fixed overlay key length: a raw Ed25519 public key.
const KeySize = 32

// Key is an overlay lookup key.
type Key = [KeySize]byte

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("overlay: not found")

// Overlay is the distributed store collaborator. Put is expected to be
// eventually consistent; Get has bounded latency enforced by ctx.
type Overlay interface {
	Put(ctx context.Context, key Key, value []byte) error
	Get(ctx context.Context, key Key) ([]byte, error)
}

// Prefer reports whether candidate should supersede current when two
// values race for the same key. The pointer protocol supplies the rule
// "highest sequence wins, ties by lexicographically greatest signature";
// the overlay stays agnostic of the value encoding.
type Prefer func(current, candidate []byte) bool
