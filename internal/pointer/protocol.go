package pointer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/peerpress/peerpress/internal/audit"
	"github.com/peerpress/peerpress/internal/bundle"
	"github.com/peerpress/peerpress/internal/identity"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/overlay"
	"github.com/peerpress/peerpress/internal/sitestore"
	"github.com/peerpress/peerpress/internal/xerrors"
)

const (
	// DefaultResolveTimeout bounds a single Resolve call end to end.
	DefaultResolveTimeout = 30 * time.Second

	// DefaultMaxAttempts bounds retries of transient overlay errors.
	DefaultMaxAttempts = 4

	// defaultRetryBase is the first backoff step between attempts.
	defaultRetryBase = 250 * time.Millisecond

	maxRetryDelay = 5 * time.Second
)

// ErrUnresolved is returned when no verified pointer is available for a
// site: nothing published yet, lookup timed out, or the stored record
// failed verification. Callers treat all three identically.
var ErrUnresolved = errors.New("pointer: unresolved")

// ErrResolutionFailed is returned when transient overlay errors
// exhausted the retry budget. Unlike ErrUnresolved it signals an
// infrastructure fault, not an absent or invalid pointer.
var ErrResolutionFailed = errors.New("pointer: resolution failed")

// Violation types recorded on the audit chain.
const (
	ViolationSignatureMismatch  = "pointer_signature_mismatch"
	ViolationSequenceRegression = "pointer_sequence_regression"
)

// Metrics is implemented by the metrics package to observe protocol
// outcomes.
type Metrics interface {
	IncPublish(outcome string)
	IncResolve(outcome string)
	IncSecurityViolation(vtype string)
}

// Options configures a Protocol.
type Options struct {
	Overlay overlay.Overlay
	Store   *sitestore.Store

	// Audit receives SECURITY_VIOLATION and publish/withdraw events.
	// Optional; nil disables auditing (tests).
	Audit *audit.Chain

	Logger  log.Logger
	Metrics Metrics

	// ResolveTimeout bounds each Resolve call. Zero uses
	// DefaultResolveTimeout.
	ResolveTimeout time.Duration

	// MaxAttempts bounds overlay retries per Resolve. Zero uses
	// DefaultMaxAttempts.
	MaxAttempts int

	// RetryBase is the initial backoff between attempts. Zero uses a
	// sub-second default; tests shrink it.
	RetryBase time.Duration
}

// siteState serializes publishes and tracks the resolver-side
// high-water mark for one site.
type siteState struct {
	mu sync.Mutex

	// highWater is the greatest sequence this node has verified and
	// accepted, with the pointer that carried it. A record that does
	// not advance past it is either the same pointer again (returned
	// from cache) or a replay (rejected and audited).
	highWater uint64
	accepted  *Pointer

	// seeded records that highWater has been raised to the persisted
	// CurrentSequence, so a restart cannot reopen the door to replayed
	// pointers accepted before the process last exited.
	seeded bool
}

// seedFrom raises the high-water mark to the sequence persisted in site
// metadata. Called once per site under st.mu; later calls are no-ops.
func (st *siteState) seedFrom(meta sitestore.SiteMetadata) {
	if st.seeded {
		return
	}
	if meta.CurrentSequence > st.highWater {
		st.highWater = meta.CurrentSequence
	}
	st.seeded = true
}

// Protocol publishes and resolves signed site pointers through the
// overlay, with the local sitestore as the sequence source of truth.
type Protocol struct {
	overlay overlay.Overlay
	store   *sitestore.Store
	audit   *audit.Chain
	logger  log.Logger
	metrics Metrics

	resolveTimeout time.Duration
	maxAttempts    int
	retryBase      time.Duration

	mu    sync.Mutex
	sites map[string]*siteState
}

func New(opts Options) (*Protocol, error) {
	if opts.Overlay == nil {
		return nil, xerrors.New("pointer: Overlay is required")
	}
	if opts.Store == nil {
		return nil, xerrors.New("pointer: Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	timeout := opts.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	return &Protocol{
		overlay:        opts.Overlay,
		store:          opts.Store,
		audit:          opts.Audit,
		logger:         logger,
		metrics:        opts.Metrics,
		resolveTimeout: timeout,
		maxAttempts:    attempts,
		retryBase:      retryBase,
		sites:          make(map[string]*siteState),
	}, nil
}

func (p *Protocol) site(siteID string) *siteState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.sites[siteID]
	if !ok {
		st = &siteState{}
		p.sites[siteID] = st
	}
	return st
}

// Publish mints the next pointer for id's site, persists the sequence
// locally, then submits the signed record to the overlay. Publishes for
// one site are serialized; two concurrent calls never read the same
// prior sequence.
//
// The local sequence is the source of truth: an overlay failure does
// not roll it back. In that case Publish returns the signed pointer
// together with the error, and the caller may re-submit the same
// pointer via Announce — the overlay conflict rule makes the retry
// idempotent.
func (p *Protocol) Publish(ctx context.Context, id *identity.Identity, b *bundle.Bundle) (*Pointer, error) {
	st := p.site(id.SiteID)
	st.mu.Lock()
	defer st.mu.Unlock()

	meta, err := p.store.Load(id.SiteID)
	switch {
	case errors.Is(err, sitestore.ErrNotFound):
		meta = sitestore.SiteMetadata{
			SiteID:    id.SiteID,
			PublicKey: append([]byte(nil), id.PublicKey...),
			CreatedAt: time.Now().UTC(),
		}
	case err != nil:
		p.incPublish("error")
		return nil, err
	}
	st.seedFrom(meta)

	ptr := &Pointer{
		SiteID:    id.SiteID,
		BundleID:  b.ID,
		Sequence:  meta.CurrentSequence + 1,
		Timestamp: time.Now().UTC(),
	}
	if err := ptr.Sign(id.PrivateKey); err != nil {
		p.incPublish("error")
		return nil, err
	}

	// persist locally first so a crash or overlay failure can never
	// cause a sequence regression on retry
	meta.CurrentSequence = ptr.Sequence
	meta.CurrentBundleID = ptr.BundleID
	meta.LocalContentRoot = b.Root
	if err := p.store.Save(meta); err != nil {
		p.incPublish("error")
		return nil, err
	}

	// our own pointers are accepted by definition
	if ptr.Sequence > st.highWater {
		st.highWater = ptr.Sequence
		st.accepted = ptr
	}

	if p.audit != nil {
		if err := p.audit.Append(audit.EventSitePublished, map[string]any{
			"site_id":   ptr.SiteID,
			"bundle_id": ptr.BundleID,
			"sequence":  ptr.Sequence,
		}); err != nil {
			p.logger.Warn(ctx, "audit append failed for publish", "site_id", ptr.SiteID, "error", err.Error())
		}
	}

	if err := p.submit(ctx, id.PublicKey, ptr); err != nil {
		p.logger.Warn(ctx, "overlay submission failed, local sequence retained",
			"site_id", ptr.SiteID, "sequence", ptr.Sequence, "error", err.Error())
		p.incPublish("overlay_error")
		return ptr, err
	}

	p.logger.Info(ctx, "pointer published",
		"site_id", ptr.SiteID, "bundle_id", ptr.BundleID, "sequence", ptr.Sequence)
	p.incPublish("ok")
	return ptr, nil
}

// Announce re-submits an already-signed pointer to the overlay. Used to
// retry after a Publish whose overlay submission failed; the sequence
// is not advanced.
func (p *Protocol) Announce(ctx context.Context, ptr *Pointer) error {
	meta, err := p.store.Load(ptr.SiteID)
	if err != nil {
		return err
	}
	return p.submit(ctx, meta.PublicKey, ptr)
}

func (p *Protocol) submit(ctx context.Context, pub []byte, ptr *Pointer) error {
	key, err := OverlayKey(pub)
	if err != nil {
		return err
	}
	raw, err := ptr.Encode()
	if err != nil {
		return err
	}
	return p.overlay.Put(ctx, key, raw)
}

// Resolve looks up the current pointer for a site, verifies it, and
// enforces sequence monotonicity against everything this node has
// already accepted. The high-water mark is seeded from the sequence
// persisted in site metadata, so it survives restarts.
//
// It returns ErrUnresolved for an absent pointer, a lookup timeout, a
// bad signature, or a sequence regression — the caller treats all of
// these as "no usable pointer". Signature and sequence failures are
// additionally recorded as SECURITY_VIOLATION audit events and are
// never retried. Transient overlay errors are retried with exponential
// backoff; once the attempt budget is spent, ErrResolutionFailed.
func (p *Protocol) Resolve(ctx context.Context, siteID string) (*Pointer, error) {
	if !identity.ValidateSiteID(siteID) {
		p.incResolve("invalid_input")
		return nil, xerrors.Newf("pointer: invalid site id %q", siteID)
	}

	meta, err := p.store.Load(siteID)
	if err != nil {
		if errors.Is(err, sitestore.ErrNotFound) {
			p.incResolve("unknown_site")
			return nil, ErrUnresolved
		}
		p.incResolve("error")
		return nil, err
	}
	key, err := OverlayKey(meta.PublicKey)
	if err != nil {
		p.incResolve("error")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.resolveTimeout)
	defer cancel()

	raw, err := p.lookup(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, overlay.ErrNotFound):
			p.incResolve("not_found")
			return nil, ErrUnresolved
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			p.incResolve("timeout")
			return nil, ErrUnresolved
		default:
			p.incResolve("failed")
			return nil, xerrors.Wrap(ErrResolutionFailed, err.Error())
		}
	}

	ptr, err := Decode(raw)
	if err != nil || !ptr.Verify(meta.PublicKey) {
		p.recordViolation(ctx, ViolationSignatureMismatch, map[string]any{
			"site_id": siteID,
		})
		p.incResolve("violation")
		return nil, ErrUnresolved
	}

	st := p.site(siteID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seedFrom(meta)

	switch {
	case ptr.Sequence > st.highWater:
		st.highWater = ptr.Sequence
		st.accepted = ptr
	case ptr.Sequence == st.highWater && st.accepted == nil:
		// first lookup since startup landed exactly on the persisted
		// high water; adopt the verified record as the cached pointer
		st.accepted = ptr
	case ptr.Sequence == st.highWater && st.accepted != nil && bytes.Equal(ptr.Signature, st.accepted.Signature):
		// the pointer we already hold; nothing new, nothing wrong
	default:
		p.recordViolation(ctx, ViolationSequenceRegression, map[string]any{
			"site_id":       siteID,
			"sequence":      ptr.Sequence,
			"accepted_high": st.highWater,
		})
		p.incResolve("violation")
		return nil, ErrUnresolved
	}

	p.incResolve("ok")
	return st.accepted, nil
}

// lookup retries transient overlay errors with exponential backoff.
// Not-found and context errors are returned immediately.
func (p *Protocol) lookup(ctx context.Context, key overlay.Key) ([]byte, error) {
	var lastErr error
	delay := p.retryBase
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		raw, err := p.overlay.Get(ctx, key)
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, overlay.ErrNotFound) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		p.logger.Warn(ctx, "overlay lookup failed, retrying",
			"attempt", attempt, "next_in", delay.String(), "error", err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return nil, lastErr
}

// Withdraw removes a site's local record: metadata, sealed key, and the
// cached resolver state. Pointers already replicated in the overlay are
// not recalled; the site simply stops being seeded from this node.
func (p *Protocol) Withdraw(ctx context.Context, siteID string) error {
	if !identity.ValidateSiteID(siteID) {
		return xerrors.Newf("pointer: invalid site id %q", siteID)
	}
	if err := p.store.Delete(siteID); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.sites, siteID)
	p.mu.Unlock()

	if p.audit != nil {
		if err := p.audit.Append(audit.EventSiteWithdrawn, map[string]any{"site_id": siteID}); err != nil {
			p.logger.Warn(ctx, "audit append failed for withdraw", "site_id", siteID, "error", err.Error())
		}
	}
	p.logger.Info(ctx, "site withdrawn", "site_id", siteID)
	return nil
}

func (p *Protocol) recordViolation(ctx context.Context, vtype string, details map[string]any) {
	if p.metrics != nil {
		p.metrics.IncSecurityViolation(vtype)
	}
	if p.audit == nil {
		return
	}
	if err := p.audit.SecurityViolation(vtype, details); err != nil {
		p.logger.Error(ctx, err, "failed to audit security violation", "type", vtype)
	}
}

func (p *Protocol) incPublish(outcome string) {
	if p.metrics != nil {
		p.metrics.IncPublish(outcome)
	}
}

func (p *Protocol) incResolve(outcome string) {
	if p.metrics != nil {
		p.metrics.IncResolve(outcome)
	}
}
