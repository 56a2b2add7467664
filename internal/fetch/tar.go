package fetch

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peerpress/peerpress/internal/bundle"
	"github.com/peerpress/peerpress/internal/xerrors"
)

const (
	// maxArchiveSize bounds a compressed bundle archive
	maxArchiveSize int64 = 50 * 1024 * 1024 // 50MB

	// maxExtractFile bounds a single extracted file (decompression bombs)
	maxExtractFile int64 = 10 * 1024 * 1024 // 10MB

	// maxExtractTotal bounds the total extracted size
	maxExtractTotal int64 = 100 * 1024 * 1024 // 100MB
)

// writeTarGz archives the files a manifest lists, in manifest order,
// with fixed metadata so the archive layout is reproducible.
func writeTarGz(w io.Writer, root string, m bundle.Manifest) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	for _, f := range m.Files {
		src := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := addTarFile(tw, src, f.Path, f.Size); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return xerrors.Wrap(err, "fetch: close tar")
	}
	if err := gw.Close(); err != nil {
		return xerrors.Wrap(err, "fetch: close gzip")
	}
	return nil
}

func addTarFile(tw *tar.Writer, src, name string, size int64) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Wrapf(err, "fetch: open %s", name)
	}
	defer in.Close()

	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     size,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return xerrors.Wrapf(err, "fetch: tar header %s", name)
	}
	if _, err := io.CopyN(tw, in, size); err != nil {
		return xerrors.Wrapf(err, "fetch: tar write %s", name)
	}
	return nil
}

// extractTarGz extracts an archive into dest, rejecting traversal
// paths, non-regular entries, and oversize content.
func extractTarGz(srcPath, dest string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return xerrors.Wrapf(err, "fetch: open archive %s", srcPath)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return xerrors.Wrap(err, "fetch: open gzip")
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	var total int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return xerrors.Wrap(err, "fetch: read tar header")
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return xerrors.Newf("fetch: unsupported entry type in archive: %s (type=%d)", hdr.Name, hdr.Typeflag)
		}

		target, err := sanitizeArchivePath(dest, hdr.Name)
		if err != nil {
			return err
		}
		if hdr.Size > maxExtractFile {
			return xerrors.Newf("fetch: archive entry %s exceeds max file size", hdr.Name)
		}
		total += hdr.Size
		if total > maxExtractTotal {
			return xerrors.Newf("fetch: archive exceeds max extracted size (%d bytes)", total)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return xerrors.Wrapf(err, "fetch: create dir for %s", hdr.Name)
		}
		if err := writeExtracted(target, tr); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeArchivePath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) {
		return "", xerrors.Newf("fetch: absolute path in archive: %s", name)
	}
	if strings.Contains(clean, "..") {
		return "", xerrors.Newf("fetch: path traversal in archive: %s", name)
	}

	target := filepath.Join(dest, clean)
	destClean := filepath.Clean(dest) + string(os.PathSeparator)
	if !strings.HasPrefix(target+string(os.PathSeparator), destClean) {
		return "", xerrors.Newf("fetch: path escapes destination: %s", name)
	}
	return target, nil
}

func writeExtracted(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Wrapf(err, "fetch: create %s", path)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(r, maxExtractFile+1))
	if err != nil {
		return xerrors.Wrapf(err, "fetch: write %s", path)
	}
	if n > maxExtractFile {
		return xerrors.Newf("fetch: extracted file too large: %s", path)
	}
	return nil
}
