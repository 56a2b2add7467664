package scanner

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/peerpress/peerpress/internal/xerrors"
)

// blocklistFile is the on-disk JSON layout:
// {"version":1,"blocked_hashes":["<hex sha256>", ...]}
type blocklistFile struct {
	Version       int      `json:"version"`
	BlockedHashes []string `json:"blocked_hashes"`
}

// Blocklist is a set of SHA-256 hex digests of files that must never be
// served. A missing file loads as an empty list; a corrupt file is an
// error, not an empty list.
type Blocklist struct {
	path string

	mu     sync.RWMutex
	hashes map[string]struct{}
}

// LoadBlocklist reads the blocklist at path. Digests are normalized to
// lowercase on load and on lookup.
func LoadBlocklist(path string) (*Blocklist, error) {
	b := &Blocklist{path: path, hashes: make(map[string]struct{})}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "scanner: read blocklist %s", path)
	}
	var f blocklistFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, xerrors.Wrapf(err, "scanner: parse blocklist %s", path)
	}
	for _, h := range f.BlockedHashes {
		b.hashes[strings.ToLower(h)] = struct{}{}
	}
	return b, nil
}

// Blocked reports whether the hex digest is on the list.
func (b *Blocklist) Blocked(hexHash string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.hashes[strings.ToLower(hexHash)]
	return ok
}

// Add puts a digest on the list and persists the whole list. Used when
// a report against served content is upheld.
func (b *Blocklist) Add(hexHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hashes[strings.ToLower(hexHash)] = struct{}{}
	out := blocklistFile{Version: 1, BlockedHashes: make([]string, 0, len(b.hashes))}
	for h := range b.hashes {
		out.BlockedHashes = append(out.BlockedHashes, h)
	}
	sort.Strings(out.BlockedHashes)

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "scanner: marshal blocklist")
	}
	if err := os.WriteFile(b.path, append(raw, '\n'), 0o600); err != nil {
		return xerrors.Wrapf(err, "scanner: write blocklist %s", b.path)
	}
	return nil
}

// Len returns the number of blocked digests.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hashes)
}
