package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/peerpress/peerpress/internal/xerrors"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// Manifest is the canonical serialization of a bundle: fixed field
// order, files sorted by path, piece hashes in stream order. BundleID is
// the hex SHA-256 of the canonical encoding with BundleID itself empty.
type Manifest struct {
	Version   int         `json:"version"`
	PieceSize int         `json:"piece_size"`
	Files     []FileEntry `json:"files"`
	Pieces    []string    `json:"pieces"`
	BundleID  string      `json:"bundle_id"`
}

// canonicalBytes returns the encoding the bundle id is computed over.
// encoding/json emits struct fields in declaration order, which fixes
// the byte layout without a separate canonicalization pass.
func (m Manifest) canonicalBytes() []byte {
	body := m
	body.BundleID = ""
	b, err := json.Marshal(body)
	if err != nil {
		// Manifest contains only marshalable types.
		panic(err)
	}
	return b
}

func (m Manifest) computeID() string {
	sum := sha256.Sum256(m.canonicalBytes())
	return hex.EncodeToString(sum[:])
}

// ManifestPath returns where WriteManifest places the manifest for a
// content root: beside the root, never inside it.
func ManifestPath(contentRoot string) string {
	clean := filepath.Clean(contentRoot)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+".manifest.json")
}

// WriteManifest serializes the bundle's manifest to
// `<root>.manifest.json` next to the content root.
func (b *Bundle) WriteManifest() (string, error) {
	out, err := json.MarshalIndent(b.Manifest, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(err, "bundle: marshal manifest")
	}
	path := ManifestPath(b.Root)
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return "", xerrors.Wrapf(err, "bundle: write manifest %s", path)
	}
	return path, nil
}

// ReadManifest loads and structurally checks a manifest file. The bundle
// id is recomputed from the canonical encoding and must match the stored
// one, so a tampered manifest is rejected before any content check.
func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, xerrors.Wrapf(err, "bundle: read manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, xerrors.Wrapf(err, "bundle: parse manifest %s", path)
	}
	if m.Version != ManifestVersion {
		return Manifest{}, xerrors.Newf("bundle: unsupported manifest version %d", m.Version)
	}
	if got := m.computeID(); got != m.BundleID {
		return Manifest{}, xerrors.Newf("bundle: manifest id mismatch: stored %s, computed %s", m.BundleID, got)
	}
	for _, f := range m.Files {
		if !safeRelPath(f.Path) {
			return Manifest{}, xerrors.Newf("bundle: unsafe path in manifest: %q", f.Path)
		}
	}
	return m, nil
}
