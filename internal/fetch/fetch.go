// Package fetch is the content-fetch collaborator: it moves packaged
// bundles between a publisher and resolvers. The pointer protocol
// treats it as a black box with eventual-consistency semantics; a fetch
// may not complete instantly.
package fetch

import (
	"context"
	"errors"

	"github.com/peerpress/peerpress/internal/bundle"
)

// ErrUnavailable is returned when a bundle is not (yet) retrievable.
// Callers treat it as transient and may retry.
var ErrUnavailable = errors.New("fetch: bundle unavailable")

// Scanner vets a verified manifest before its content is handed out,
// and disposes of content that fails the check. Implemented by the
// scanner package; nil disables scanning.
type Scanner interface {
	ScanManifest(ctx context.Context, m bundle.Manifest) error
	Quarantine(ctx context.Context, dir, reason string) error
}

// Status describes transfer progress for a bundle.
type Status struct {
	Available bool
	Peers     int
	Progress  float64
}

// Service publishes and retrieves content bundles by bundle id.
type Service interface {
	// Publish packages contentRoot and makes the bundle retrievable,
	// returning its bundle id.
	Publish(ctx context.Context, contentRoot string) (string, error)

	// Fetch retrieves and verifies a bundle, returning the local
	// directory holding its content.
	Fetch(ctx context.Context, bundleID string) (string, error)

	// Status reports availability and transfer progress.
	Status(ctx context.Context, bundleID string) (Status, error)
}
