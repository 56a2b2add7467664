package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/peerpress/peerpress/internal/bundle"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// Local is a directory-backed fetch service for single-node and test
// use. Bundles live under <dir>/<id[:2]>/<id>/ with the content tree in
// content/ and the manifest beside it; the two-character shard keeps
// directory fanout bounded as bundles accumulate.
type Local struct {
	dir     string
	logger  log.Logger
	scanner Scanner
}

func NewLocal(dir string, logger log.Logger, scanner Scanner) (*Local, error) {
	if dir == "" {
		return nil, xerrors.New("fetch: local store dir is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "fetch: create store dir %s", dir)
	}
	return &Local{dir: dir, logger: logger, scanner: scanner}, nil
}

func (l *Local) bundleDir(bundleID string) string {
	return filepath.Join(l.dir, bundleID[:2], bundleID)
}

func (l *Local) contentDir(bundleID string) string {
	return filepath.Join(l.bundleDir(bundleID), "content")
}

func (l *Local) manifestPath(bundleID string) string {
	return filepath.Join(l.bundleDir(bundleID), "manifest.json")
}

func (l *Local) Publish(ctx context.Context, contentRoot string) (string, error) {
	b, err := bundle.Package(ctx, contentRoot)
	if err != nil {
		return "", err
	}

	// already stored: packaging is idempotent, so is publish
	if _, err := os.Stat(l.manifestPath(b.ID)); err == nil {
		return b.ID, nil
	}

	dest := l.contentDir(b.ID)
	if err := copyTree(contentRoot, dest, b.Manifest); err != nil {
		os.RemoveAll(l.bundleDir(b.ID))
		return "", err
	}

	out, err := json.MarshalIndent(b.Manifest, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(err, "fetch: marshal manifest")
	}
	if err := os.WriteFile(l.manifestPath(b.ID), append(out, '\n'), 0o644); err != nil {
		os.RemoveAll(l.bundleDir(b.ID))
		return "", xerrors.Wrap(err, "fetch: write manifest")
	}

	l.logger.Info(ctx, "published bundle to local store",
		"bundle_id", b.ID,
		"files", len(b.Manifest.Files))
	return b.ID, nil
}

func (l *Local) Fetch(ctx context.Context, bundleID string) (string, error) {
	if !bundle.ValidateBundleID(bundleID) {
		return "", xerrors.Newf("fetch: invalid bundle id %q", bundleID)
	}

	m, err := bundle.ReadManifest(l.manifestPath(bundleID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrUnavailable
	}
	if err != nil {
		return "", err
	}
	if m.BundleID != bundleID {
		return "", xerrors.Newf("fetch: stored manifest id %s under slot %s", m.BundleID, bundleID)
	}

	// verify on every fetch; the store could have been modified on disk
	dest := l.contentDir(bundleID)
	if err := bundle.Verify(ctx, dest, m); err != nil {
		return "", err
	}
	if l.scanner != nil {
		if err := l.scanner.ScanManifest(ctx, m); err != nil {
			// pull the whole bundle slot so Status stops advertising it
			if qerr := l.scanner.Quarantine(ctx, l.bundleDir(bundleID), "blocklist match"); qerr != nil {
				l.logger.Error(ctx, qerr, "failed to quarantine blocked bundle", "bundle_id", bundleID)
			}
			return "", err
		}
	}
	return dest, nil
}

func (l *Local) Status(_ context.Context, bundleID string) (Status, error) {
	if !bundle.ValidateBundleID(bundleID) {
		return Status{}, xerrors.Newf("fetch: invalid bundle id %q", bundleID)
	}
	if _, err := os.Stat(l.manifestPath(bundleID)); err != nil {
		return Status{}, nil
	}
	return Status{Available: true, Peers: 1, Progress: 1}, nil
}

// copyTree copies exactly the files the manifest lists, nothing else.
func copyTree(src, dest string, m bundle.Manifest) error {
	for _, f := range m.Files {
		from := filepath.Join(src, filepath.FromSlash(f.Path))
		to := filepath.Join(dest, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return xerrors.Wrapf(err, "fetch: create dir for %s", f.Path)
		}
		if err := copyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return xerrors.Wrapf(err, "fetch: open %s", from)
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Wrapf(err, "fetch: create %s", to)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return xerrors.Wrapf(err, "fetch: copy %s", to)
	}
	return out.Sync()
}
