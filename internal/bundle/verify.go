package bundle

import (
	"context"

	"github.com/peerpress/peerpress/internal/cryptoutil"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// Verify recomputes the bundle over contentRoot and compares it against
// the expected manifest. Used after a fetch, before a bundle is allowed
// to serve. Returns nil only when every file hash, every piece hash, and
// the bundle id match.
func Verify(ctx context.Context, contentRoot string, want Manifest) error {
	got, err := Package(ctx, contentRoot)
	if err != nil {
		return xerrors.Wrap(err, "verify: repackage")
	}

	if !cryptoutil.HashEqual(got.ID, want.BundleID) {
		return xerrors.Newf("verify: bundle id mismatch: computed %s, want %s", got.ID, want.BundleID)
	}

	// id match implies manifest match, but file-level comparison gives
	// an actionable error when the tree drifted
	if len(got.Manifest.Files) != len(want.Files) {
		return xerrors.Newf("verify: file count mismatch: %d, want %d", len(got.Manifest.Files), len(want.Files))
	}
	for i, f := range got.Manifest.Files {
		w := want.Files[i]
		if f.Path != w.Path {
			return xerrors.Newf("verify: file %d path mismatch: %s, want %s", i, f.Path, w.Path)
		}
		if !cryptoutil.HashEqual(f.SHA256, w.SHA256) {
			return xerrors.Newf("verify: file %s hash mismatch", f.Path)
		}
	}
	return nil
}
