// Package scanner matches fetched content against a blocklist of known
// bad file digests. Matching runs on manifest hashes, which the fetch
// layer has already verified against the bytes on disk, so nothing is
// re-hashed at scan time. Detection beyond exact hash matching is out
// of scope.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/peerpress/peerpress/internal/audit"
	"github.com/peerpress/peerpress/internal/bundle"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// ErrBlocked is returned when any file in a bundle matches the
// blocklist. The bundle must not be served.
var ErrBlocked = errors.New("scanner: content blocked")

// ViolationBlocklist is the violation type recorded on the audit chain
// for blocklist matches.
const ViolationBlocklist = "content_blocklist_match"

// Threat identifies one blocked file within a bundle.
type Threat struct {
	Path string
	Hash string
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncSecurityViolation(vtype string)
}

// Options configures a Scanner.
type Options struct {
	Blocklist *Blocklist

	// QuarantineDir receives blocked content moved aside by Quarantine.
	// Empty means blocked content is deleted instead of preserved.
	QuarantineDir string

	Logger  log.Logger
	Audit   *audit.Chain // optional
	Metrics Metrics      // optional
}

// Scanner checks bundles against the blocklist and records matches on
// the audit chain. Safe for concurrent use.
type Scanner struct {
	blocklist     *Blocklist
	quarantineDir string
	logger        log.Logger
	audit         *audit.Chain
	metrics       Metrics
}

func New(opts Options) (*Scanner, error) {
	if opts.Blocklist == nil {
		return nil, xerrors.New("scanner: Blocklist is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Scanner{
		blocklist:     opts.Blocklist,
		quarantineDir: opts.QuarantineDir,
		logger:        logger,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
	}, nil
}

// ScanManifest checks every file digest in the manifest against the
// blocklist. Every match is audited as a SECURITY_VIOLATION; any match
// makes the whole bundle unservable and the returned error wraps
// ErrBlocked.
func (s *Scanner) ScanManifest(ctx context.Context, m bundle.Manifest) error {
	var threats []Threat
	for _, f := range m.Files {
		if s.blocklist.Blocked(f.SHA256) {
			threats = append(threats, Threat{Path: f.Path, Hash: f.SHA256})
		}
	}
	if len(threats) == 0 {
		return nil
	}

	for _, th := range threats {
		s.logger.Warn(ctx, "blocked file in bundle",
			"bundle_id", m.BundleID, "path", th.Path, "sha256", th.Hash)
		if s.metrics != nil {
			s.metrics.IncSecurityViolation(ViolationBlocklist)
		}
		if s.audit != nil {
			if err := s.audit.SecurityViolation(ViolationBlocklist, map[string]any{
				"bundle_id": m.BundleID,
				"filepath":  th.Path,
				"sha256":    th.Hash,
			}); err != nil {
				s.logger.Warn(ctx, "audit append failed for blocklist match",
					"bundle_id", m.BundleID, "error", err.Error())
			}
		}
	}
	return fmt.Errorf("%w: %d blocked file(s) in bundle %s", ErrBlocked, len(threats), m.BundleID)
}

// Quarantine moves a blocked content directory into the quarantine
// area, preserving the bytes for review. With no quarantine dir
// configured the directory is removed instead.
func (s *Scanner) Quarantine(ctx context.Context, dir, reason string) error {
	if s.quarantineDir == "" {
		return os.RemoveAll(dir)
	}
	if err := os.MkdirAll(s.quarantineDir, 0o700); err != nil {
		return xerrors.Wrapf(err, "scanner: create quarantine dir %s", s.quarantineDir)
	}
	dest := filepath.Join(s.quarantineDir, fmt.Sprintf("%s-%d", filepath.Base(dir), time.Now().UnixNano()))
	if err := os.Rename(dir, dest); err != nil {
		return xerrors.Wrapf(err, "scanner: quarantine %s", dir)
	}
	s.logger.Warn(ctx, "content quarantined", "from", dir, "to", dest, "reason", reason)
	return nil
}
