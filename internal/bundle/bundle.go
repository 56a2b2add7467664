// Package bundle packages a content directory into a content-addressed
// bundle: a deterministic manifest listing every regular file plus a
// SHA-256 hash over fixed-size pieces of the concatenated file stream.
// Byte-identical trees always produce the same bundle id.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peerpress/peerpress/internal/xerrors"
)

const (
	// PieceSize is the fixed piece length for the hash tree.
	PieceSize = 256 * 1024

	// maxSingleFile is the maximum size of a single file in a bundle
	maxSingleFile int64 = 10 * 1024 * 1024 // 10MB

	// maxTotalSize is the maximum total content size of a bundle
	maxTotalSize int64 = 100 * 1024 * 1024 // 100MB
)

// ErrInvalidContent is returned when the content root does not exist, is
// not a directory, or contains no regular files.
var ErrInvalidContent = errors.New("bundle: invalid content")

// FileEntry describes one regular file in a bundle. Path is the
// slash-separated path relative to the content root.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Bundle is an immutable descriptor of a packaged content tree. A new
// edit of the tree produces a new bundle with a new ID.
type Bundle struct {
	ID       string
	Root     string
	Manifest Manifest
}

// Package enumerates all regular files under contentRoot in sorted path
// order, hashes each file and the concatenated stream in PieceSize
// pieces, and returns the bundle descriptor. contentRoot is never
// mutated. Packaging the same byte-identical tree twice yields the same
// bundle id.
func Package(ctx context.Context, contentRoot string) (*Bundle, error) {
	info, err := os.Stat(contentRoot)
	if err != nil {
		return nil, xerrors.Wrapf(ErrInvalidContent, "stat %s", contentRoot)
	}
	if !info.IsDir() {
		return nil, xerrors.Wrapf(ErrInvalidContent, "%s is not a directory", contentRoot)
	}

	paths, err := enumerate(contentRoot)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, xerrors.Wrapf(ErrInvalidContent, "%s contains no files", contentRoot)
	}

	ph := newPieceHasher(PieceSize)
	files := make([]FileEntry, 0, len(paths))
	var total int64

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := hashFile(contentRoot, rel, ph)
		if err != nil {
			return nil, err
		}
		total += entry.Size
		if total > maxTotalSize {
			return nil, xerrors.Newf("bundle: content exceeds max total size (%d bytes, limit %d)", total, maxTotalSize)
		}
		files = append(files, entry)
	}

	m := Manifest{
		Version:   ManifestVersion,
		PieceSize: PieceSize,
		Files:     files,
		Pieces:    ph.finish(),
	}
	m.BundleID = m.computeID()

	return &Bundle{ID: m.BundleID, Root: contentRoot, Manifest: m}, nil
}

// enumerate returns the sorted slash-separated relative paths of all
// regular files under root. Symlinks, directories, and other non-regular
// entries are skipped.
func enumerate(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "bundle: walk content root")
	}
	sort.Strings(paths)
	return paths, nil
}

func hashFile(root, rel string, ph *pieceHasher) (FileEntry, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return FileEntry{}, xerrors.Wrapf(err, "bundle: open %s", rel)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(h, ph), io.LimitReader(f, maxSingleFile+1))
	if err != nil {
		return FileEntry{}, xerrors.Wrapf(err, "bundle: read %s", rel)
	}
	if n > maxSingleFile {
		return FileEntry{}, xerrors.Newf("bundle: file %s exceeds max size (limit %d)", rel, maxSingleFile)
	}

	return FileEntry{
		Path:   rel,
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// pieceHasher hashes a byte stream in fixed-size pieces. Files are fed
// in manifest order so the piece boundaries span file boundaries.
type pieceHasher struct {
	pieceSize int
	buf       []byte
	pieces    []string
}

func newPieceHasher(pieceSize int) *pieceHasher {
	return &pieceHasher{pieceSize: pieceSize}
}

func (p *pieceHasher) Write(b []byte) (int, error) {
	n := len(b)
	p.buf = append(p.buf, b...)
	for len(p.buf) >= p.pieceSize {
		sum := sha256.Sum256(p.buf[:p.pieceSize])
		p.pieces = append(p.pieces, hex.EncodeToString(sum[:]))
		p.buf = p.buf[p.pieceSize:]
	}
	return n, nil
}

// finish flushes the trailing partial piece and returns all piece hashes.
func (p *pieceHasher) finish() []string {
	if len(p.buf) > 0 {
		sum := sha256.Sum256(p.buf)
		p.pieces = append(p.pieces, hex.EncodeToString(sum[:]))
		p.buf = nil
	}
	return p.pieces
}

// ValidateBundleID reports whether s looks like a bundle id (64 hex chars).
func ValidateBundleID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// cheap guard against manifest paths escaping their root when a bundle
// is re-materialized after fetch
func safeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
