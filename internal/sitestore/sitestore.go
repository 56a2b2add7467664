// Package sitestore persists per-site metadata and private key material
// on the local filesystem. Metadata lives under metadata/, one JSON file
// per site; keys live under keys/ with owner-only permissions and
// exclusive creation so an existing key is never clobbered.
package sitestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/peerpress/peerpress/internal/identity"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// ErrNotFound is returned when no record exists for a site id.
var ErrNotFound = errors.New("sitestore: not found")

// ErrKeyExists is returned by SaveKey when a key file already exists.
var ErrKeyExists = errors.New("sitestore: key already exists")

// SiteMetadata is the persisted record for one site, updated after every
// successful publish and deleted on site removal.
type SiteMetadata struct {
	SiteID           string    `json:"site_id"`
	DisplayName      string    `json:"display_name"`
	PublicKey        []byte    `json:"public_key"`
	CreatedAt        time.Time `json:"created_at"`
	CurrentSequence  uint64    `json:"current_sequence"`
	CurrentBundleID  string    `json:"current_bundle_id"`
	LocalContentRoot string    `json:"local_content_root"`
}

// Store is a filesystem-backed site metadata and key store.
type Store struct {
	root string
}

// Open prepares the store directories under root (0700).
func Open(root string) (*Store, error) {
	for _, d := range []string{root, filepath.Join(root, "metadata"), filepath.Join(root, "keys")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, xerrors.Wrapf(err, "sitestore: create %s", d)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) metadataPath(siteID string) string {
	return filepath.Join(s.root, "metadata", siteID+".json")
}

func (s *Store) keyPath(siteID string) string {
	return filepath.Join(s.root, "keys", siteID+".key")
}

// Save writes the metadata record for m.SiteID, replacing any prior
// record. The write is atomic via rename.
func (s *Store) Save(m SiteMetadata) error {
	if !identity.ValidateSiteID(m.SiteID) {
		return xerrors.Newf("sitestore: invalid site id %q", m.SiteID)
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "sitestore: marshal metadata")
	}

	path := s.metadataPath(m.SiteID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o600); err != nil {
		return xerrors.Wrapf(err, "sitestore: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrapf(err, "sitestore: rename %s", path)
	}
	return nil
}

// Load reads the metadata record for siteID. A corrupt record is a
// fatal error for the affected site, never silently skipped.
func (s *Store) Load(siteID string) (SiteMetadata, error) {
	if !identity.ValidateSiteID(siteID) {
		return SiteMetadata{}, xerrors.Newf("sitestore: invalid site id %q", siteID)
	}
	raw, err := os.ReadFile(s.metadataPath(siteID))
	if os.IsNotExist(err) {
		return SiteMetadata{}, ErrNotFound
	}
	if err != nil {
		return SiteMetadata{}, xerrors.Wrapf(err, "sitestore: read metadata for %s", siteID)
	}

	var m SiteMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return SiteMetadata{}, xerrors.Wrapf(err, "sitestore: corrupt metadata for %s", siteID)
	}
	if m.SiteID != siteID {
		return SiteMetadata{}, xerrors.Newf("sitestore: metadata for %s records site id %s", siteID, m.SiteID)
	}
	return m, nil
}

// List returns the site ids of all stored metadata records, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "metadata"))
	if err != nil {
		return nil, xerrors.Wrap(err, "sitestore: list metadata")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if identity.ValidateSiteID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the metadata and key for a site. Missing files are not
// an error; withdraw must be idempotent.
func (s *Store) Delete(siteID string) error {
	if !identity.ValidateSiteID(siteID) {
		return xerrors.Newf("sitestore: invalid site id %q", siteID)
	}
	if err := os.Remove(s.metadataPath(siteID)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrapf(err, "sitestore: delete metadata for %s", siteID)
	}
	if err := os.Remove(s.keyPath(siteID)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrapf(err, "sitestore: delete key for %s", siteID)
	}
	return nil
}

// SaveKey stores key material (typically a sealed blob) for a site.
// Creation is exclusive: an existing key file is never overwritten.
func (s *Store) SaveKey(siteID string, key []byte) error {
	if !identity.ValidateSiteID(siteID) {
		return xerrors.Newf("sitestore: invalid site id %q", siteID)
	}
	f, err := os.OpenFile(s.keyPath(siteID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrKeyExists
		}
		return xerrors.Wrapf(err, "sitestore: create key for %s", siteID)
	}
	defer f.Close()

	if _, err := f.Write(key); err != nil {
		return xerrors.Wrapf(err, "sitestore: write key for %s", siteID)
	}
	return f.Sync()
}

// LoadKey reads the stored key material for a site.
func (s *Store) LoadKey(siteID string) ([]byte, error) {
	if !identity.ValidateSiteID(siteID) {
		return nil, xerrors.Newf("sitestore: invalid site id %q", siteID)
	}
	raw, err := os.ReadFile(s.keyPath(siteID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "sitestore: read key for %s", siteID)
	}
	return raw, nil
}
