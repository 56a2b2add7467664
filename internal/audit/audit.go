// Package audit implements a tamper-evident, append-only security event
// log. Events are hash-chained: each event's hash covers the previous
// event's hash plus the canonical encoding of the event itself, so any
// edit or reordering of historical entries is detectable. Segments
// rotate daily; a new segment is seeded from the final hash of the prior
// one and records the transition, preserving cross-segment verifiability.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// Event is one line of a segment file.
type Event struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Hash      string         `json:"hash"`
}

// canonicalBytes is the encoding the chain hash covers: fixed struct
// field order, map keys sorted by encoding/json.
func (e Event) canonicalBytes() ([]byte, error) {
	body := struct {
		Timestamp string         `json:"timestamp"`
		Event     string         `json:"event"`
		Data      map[string]any `json:"data"`
	}{e.Timestamp, e.Event, e.Data}
	return json.Marshal(body)
}

func chainHash(prev string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Options configures a Chain. Dir is required.
type Options struct {
	Dir    string
	Logger log.Logger

	// Now overrides the clock, used by rotation tests.
	Now func() time.Time

	// OnAppend observes every appended event type (metrics hook).
	OnAppend func(eventType string)
}

// Chain is a handle to the audit log. Append is serialized; the hash
// linking is inherently sequential. There is no API to modify or delete
// a past entry.
type Chain struct {
	mu       sync.Mutex
	dir      string
	logger   log.Logger
	now      func() time.Time
	onAppend func(string)

	f        *os.File
	segDay   string
	prevHash string
}

// Open creates the log directory (owner-only) if needed, opens today's
// segment, recovers the chain head from its last line, and records an
// AUDIT_START event.
func Open(opts Options) (*Chain, error) {
	if opts.Dir == "" {
		return nil, xerrors.New("audit: Dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, xerrors.Wrapf(err, "audit: create %s", opts.Dir)
	}

	c := &Chain{
		dir:      opts.Dir,
		logger:   logger,
		now:      now,
		onAppend: opts.OnAppend,
	}
	if err := c.openSegment(now().UTC()); err != nil {
		return nil, err
	}

	// Fresh segment after a restart: seed from the latest prior segment
	// and record the transition, same as a live rotation would.
	if c.prevHash == "" {
		if prior, hash, err := latestPriorSegment(c.dir, c.segDay); err != nil {
			return nil, err
		} else if prior != "" && hash != "" {
			c.prevHash = hash
			if err := c.appendLocked(EventSegmentRotated, map[string]any{
				"prior_segment":    prior,
				"prior_final_hash": hash,
			}, now().UTC()); err != nil {
				return nil, err
			}
		}
	}

	if err := c.Append(EventAuditStart, map[string]any{"version": "1.0"}); err != nil {
		return nil, err
	}
	return c, nil
}

// latestPriorSegment finds the newest segment older than day and returns
// its name and final hash.
func latestPriorSegment(dir, day string) (name, hash string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", xerrors.Wrapf(err, "audit: list %s", dir)
	}
	current := segmentName(day)
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, "audit_") || !strings.HasSuffix(n, ".log") || n >= current {
			continue
		}
		if n > name {
			name = n
		}
	}
	if name == "" {
		return "", "", nil
	}
	hash, err = lastHash(filepath.Join(dir, name))
	return name, hash, err
}

func segmentName(day string) string { return "audit_" + day + ".log" }

// openSegment opens (or creates) the segment for the given day and
// recovers prevHash from its final line. Caller holds the lock or is
// the constructor.
func (c *Chain) openSegment(t time.Time) error {
	day := t.Format("20060102")
	path := filepath.Join(c.dir, segmentName(day))

	head, err := lastHash(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return xerrors.Wrapf(err, "audit: open segment %s", path)
	}

	c.f = f
	c.segDay = day
	c.prevHash = head
	return nil
}

// lastHash returns the hash of the final event in a segment file, or ""
// when the file does not exist or is empty. A corrupt final line is a
// fatal error: appending after it would break the chain silently.
func lastHash(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", xerrors.Wrapf(err, "audit: read segment %s", path)
	}

	events, err := decodeLines(raw)
	if err != nil {
		return "", xerrors.Wrapf(err, "audit: corrupt segment %s", path)
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].Hash, nil
}

// Append hashes and persists one event. It rotates to a new segment
// first when the UTC day has changed since the last append.
func (c *Chain) Append(eventType string, data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UTC()
	if day := ts.Format("20060102"); day != c.segDay {
		if err := c.rotateLocked(ts); err != nil {
			return err
		}
	}
	return c.appendLocked(eventType, data, ts)
}

func (c *Chain) appendLocked(eventType string, data map[string]any, ts time.Time) error {
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Event:     eventType,
		Data:      data,
	}
	canonical, err := ev.canonicalBytes()
	if err != nil {
		return xerrors.Wrap(err, "audit: encode event")
	}
	ev.Hash = chainHash(c.prevHash, canonical)

	line, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(err, "audit: encode line")
	}
	if _, err := c.f.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(err, "audit: write event")
	}

	c.prevHash = ev.Hash
	if c.onAppend != nil {
		c.onAppend(eventType)
	}
	return nil
}

// rotateLocked closes the current segment, opens the new day's segment
// seeded from the prior segment's final hash, and records the seed
// transition in the new segment.
func (c *Chain) rotateLocked(ts time.Time) error {
	priorSeg := segmentName(c.segDay)
	priorHash := c.prevHash

	if err := c.f.Close(); err != nil {
		return xerrors.Wrap(err, "audit: close segment")
	}
	if err := c.openSegment(ts); err != nil {
		return err
	}
	// new segment continues the chain from the prior final hash
	c.prevHash = priorHash

	c.logger.Info(context.Background(), "audit segment rotated",
		"prior_segment", priorSeg,
		"segment", segmentName(c.segDay))

	return c.appendLocked(EventSegmentRotated, map[string]any{
		"prior_segment":    priorSeg,
		"prior_final_hash": priorHash,
	}, ts)
}

// Head returns the hash of the most recently appended event.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevHash
}

// SegmentPath returns the path of the segment currently being written.
func (c *Chain) SegmentPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return filepath.Join(c.dir, segmentName(c.segDay))
}

// Close flushes and closes the active segment.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
