package bundle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteManifest / ManifestPath

func TestManifestPath_BesideRoot(t *testing.T) {
	got := ManifestPath(filepath.Join("some", "dir", "site"))
	want := filepath.Join("some", "dir", "site.manifest.json")
	if got != want {
		t.Fatalf("ManifestPath = %q, want %q", got, want)
	}
}

func TestWriteManifest_NotInsideRoot(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "x"})
	b, err := Package(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	path, err := b.WriteManifest()
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(path, root+string(os.PathSeparator)) {
		t.Fatalf("manifest written inside content root: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
}

func TestWriteManifest_ReadBack(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "hello"})
	b, err := Package(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	path, err := b.WriteManifest()
	if err != nil {
		t.Fatal(err)
	}

	m, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.BundleID != b.ID {
		t.Fatalf("bundle id = %s, want %s", m.BundleID, b.ID)
	}
	if m.PieceSize != PieceSize {
		t.Fatalf("piece size = %d, want %d", m.PieceSize, PieceSize)
	}
}

// ReadManifest

func TestReadManifest_TamperedIDRejected(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "x"})
	b, err := Package(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	path, err := b.WriteManifest()
	if err != nil {
		t.Fatal(err)
	}

	var m Manifest
	raw, _ := os.ReadFile(path)
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	m.Files[0].SHA256 = strings.Repeat("0", 64) // edit without recomputing id
	edited, _ := json.Marshal(m)
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadManifest(path); err == nil {
		t.Fatal("tampered manifest accepted")
	}
}

func TestReadManifest_UnsafePathRejected(t *testing.T) {
	m := Manifest{
		Version:   ManifestVersion,
		PieceSize: PieceSize,
		Files:     []FileEntry{{Path: "../escape.html", Size: 1, SHA256: strings.Repeat("a", 64)}},
		Pieces:    []string{strings.Repeat("a", 64)},
	}
	m.BundleID = m.computeID()

	raw, _ := json.Marshal(m)
	path := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadManifest(path); err == nil {
		t.Fatal("manifest with traversal path accepted")
	}
}

func TestReadManifest_UnsupportedVersion(t *testing.T) {
	m := Manifest{Version: 99, PieceSize: PieceSize}
	m.BundleID = m.computeID()
	raw, _ := json.Marshal(m)
	path := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadManifest(path); err == nil {
		t.Fatal("unsupported manifest version accepted")
	}
}

// Verify

func TestVerify_CleanTree(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "x", "a/b.css": "y"})
	b, err := Package(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	if err := Verify(context.Background(), root, b.Manifest); err != nil {
		t.Fatalf("Verify on unmodified tree: %v", err)
	}
}

func TestVerify_ModifiedFile(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "x"})
	b, err := Package(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Verify(context.Background(), root, b.Manifest); err == nil {
		t.Fatal("Verify accepted a modified tree")
	}
}

func TestVerify_ExtraFile(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "x"})
	b, err := Package(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "extra.html"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Verify(context.Background(), root, b.Manifest); err == nil {
		t.Fatal("Verify accepted a tree with an extra file")
	}
}
