package pointer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerpress/peerpress/internal/fetch"
	"github.com/peerpress/peerpress/internal/log"
)

const (
	// DefaultWatchInterval is how often a subscription polls for a new
	// pointer when the caller does not choose an interval.
	DefaultWatchInterval = 30 * time.Second

	// maxWatchBackoff caps the per-subscription backoff applied after
	// consecutive resolution failures.
	maxWatchBackoff = 5 * time.Minute
)

// WatcherMetrics is implemented by the metrics package to observe
// watch behavior.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveBundleFetchDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetSitesTracked(n int)
}

// Resolver is the slice of the protocol the watcher needs. Extracted so
// tests can drive the scheduler with a double.
type Resolver interface {
	Resolve(ctx context.Context, siteID string) (*Pointer, error)
}

// UpdateFunc is invoked after a strictly newer pointer for a watched
// site has been resolved and its bundle fetched. contentDir is the
// local directory holding the verified content. Called synchronously on
// the scheduler goroutine.
type UpdateFunc func(ptr *Pointer, contentDir string)

// Subscription is a handle for one watched site. Cancel stops its
// polling promptly; no new poll starts for the site afterwards, though
// a callback already running on the scheduler goroutine may still
// finish.
type Subscription struct {
	id        uint64
	siteID    string
	interval  time.Duration
	onUpdate  UpdateFunc
	cancelled atomic.Bool

	// scheduler-owned
	nextPoll  time.Time
	lastSeq   uint64
	errStreak int

	w *Watcher
}

// SiteID returns the watched site.
func (s *Subscription) SiteID() string { return s.siteID }

// Cancel removes the subscription from the scheduler. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.w.remove(s.id)
}

// WatcherOptions configures the subscription scheduler.
type WatcherOptions struct {
	Resolver Resolver
	Fetcher  fetch.Service
	Logger   log.Logger
	Metrics  WatcherMetrics
}

// Watcher multiplexes all watch subscriptions onto a single scheduler
// goroutine, so the number of tracked sites never grows the goroutine
// count. Run starts the scheduler; Watch may be called before or after.
type Watcher struct {
	resolver Resolver
	fetcher  fetch.Service
	logger   log.Logger
	metrics  WatcherMetrics

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64

	// wake prods the scheduler when the subscription set changes
	wake chan struct{}
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Resolver == nil {
		return nil, errors.New("pointer: watcher Resolver is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("pointer: watcher Fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Watcher{
		resolver: opts.Resolver,
		fetcher:  opts.Fetcher,
		logger:   logger,
		metrics:  opts.Metrics,
		subs:     make(map[uint64]*Subscription),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Watch registers a site for polling. onUpdate fires whenever a pointer
// with a strictly greater sequence than previously observed resolves
// and its bundle has been fetched. interval <= 0 uses
// DefaultWatchInterval.
func (w *Watcher) Watch(siteID string, interval time.Duration, onUpdate UpdateFunc) *Subscription {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	w.mu.Lock()
	w.nextID++
	sub := &Subscription{
		id:       w.nextID,
		siteID:   siteID,
		interval: interval,
		onUpdate: onUpdate,
		nextPoll: time.Now(),
		w:        w,
	}
	w.subs[sub.id] = sub
	n := len(w.subs)
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.SetSitesTracked(n)
	}
	w.poke()
	return sub
}

func (w *Watcher) remove(id uint64) {
	w.mu.Lock()
	delete(w.subs, id)
	n := len(w.subs)
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.SetSitesTracked(n)
	}
	w.poke()
}

func (w *Watcher) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled. Intended to be
// launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "pointer watcher starting")
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := w.nextDue()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "pointer watcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-w.wake:
			continue
		case <-timer.C:
			if due != nil {
				w.pollOne(ctx, due)
			}
		}
	}
}

// nextDue picks the subscription with the earliest deadline and how
// long until it fires. With no subscriptions the scheduler parks until
// poked.
func (w *Watcher) nextDue() (*Subscription, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var earliest *Subscription
	for _, sub := range w.subs {
		if earliest == nil || sub.nextPoll.Before(earliest.nextPoll) {
			earliest = sub
		}
	}
	if earliest == nil {
		return nil, time.Hour
	}
	wait := time.Until(earliest.nextPoll)
	if wait < 0 {
		wait = 0
	}
	return earliest, wait
}

// pollOne resolves a subscription's site and, on a strictly newer
// sequence, fetches the bundle and fires the callback.
func (w *Watcher) pollOne(ctx context.Context, sub *Subscription) {
	if sub.cancelled.Load() {
		return
	}
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	ptr, err := w.resolver.Resolve(ctx, sub.siteID)
	switch {
	case err == nil:
		sub.errStreak = 0
		sub.nextPoll = time.Now().Add(sub.interval)
		if w.metrics != nil {
			w.metrics.SetWatcherLastSuccess(float64(time.Now().Unix()))
		}
	case errors.Is(err, ErrUnresolved):
		// nothing usable yet; keep the normal cadence
		sub.errStreak = 0
		sub.nextPoll = time.Now().Add(sub.interval)
		if w.metrics != nil {
			w.metrics.IncWatcherError("unresolved")
		}
		return
	default:
		sub.errStreak++
		backoff := watchBackoff(sub.interval, sub.errStreak)
		sub.nextPoll = time.Now().Add(backoff)
		w.logger.Warn(ctx, "watch resolve failed, backing off",
			"site_id", sub.siteID, "consecutive_errors", sub.errStreak,
			"next_poll_in", backoff.String(), "error", err.Error())
		if w.metrics != nil {
			w.metrics.IncWatcherError("resolve")
		}
		return
	}

	if ptr.Sequence <= sub.lastSeq {
		return
	}

	w.logger.Info(ctx, "watched site has new pointer",
		"site_id", sub.siteID, "sequence", ptr.Sequence, "bundle_id", ptr.BundleID)

	fetchStart := time.Now()
	dir, err := w.fetcher.Fetch(ctx, ptr.BundleID)
	if w.metrics != nil {
		w.metrics.ObserveBundleFetchDuration(time.Since(fetchStart).Seconds())
	}
	if err != nil {
		// leave lastSeq so the next poll retries the fetch
		w.logger.Error(ctx, err, "failed to fetch bundle for watched site",
			"site_id", sub.siteID, "bundle_id", ptr.BundleID)
		if w.metrics != nil {
			w.metrics.IncWatcherError("fetch")
		}
		return
	}

	sub.lastSeq = ptr.Sequence
	if sub.cancelled.Load() {
		return
	}
	if sub.onUpdate != nil {
		sub.onUpdate(ptr, dir)
	}
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}
}

// watchBackoff doubles the poll interval per consecutive error, capped.
func watchBackoff(interval time.Duration, streak int) time.Duration {
	d := interval
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= maxWatchBackoff {
			return maxWatchBackoff
		}
	}
	if d > maxWatchBackoff {
		d = maxWatchBackoff
	}
	return d
}
