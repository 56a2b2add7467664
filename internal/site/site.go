// Package site tracks the set of sites this node serves and the
// currently active content snapshot for each one. Snapshots are
// hot-swapped atomically when a watch subscription delivers a newer
// bundle, so in-flight requests keep the snapshot they started with.
package site

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerpress/peerpress/internal/pointer"
)

// Snapshot is the served state of one site: the verified pointer and
// the local directory holding the fetched bundle content. The content
// directory doubles as the sandbox root for path validation.
type Snapshot struct {
	Pointer    pointer.Pointer
	ContentDir string
	LoadedAt   time.Time
}

// State holds one site's active snapshot.
type State struct {
	active atomic.Pointer[Snapshot]
}

// Set swaps in a new snapshot. The old one becomes garbage once
// in-flight readers drop it.
func (s *State) Set(snap Snapshot) {
	cp := new(Snapshot)
	*cp = snap
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	s.active.Store(cp)
}

// Get returns the active snapshot. ok is false until the first
// successful swap, i.e. while the site is tracked but not yet resolved
// and downloaded.
func (s *State) Get() (*Snapshot, bool) {
	snap := s.active.Load()
	return snap, snap != nil && snap.ContentDir != ""
}

// Sequence returns the active snapshot's pointer sequence, 0 if none.
func (s *State) Sequence() uint64 {
	snap := s.active.Load()
	if snap == nil {
		return 0
	}
	return snap.Pointer.Sequence
}

// Registry is the set of tracked sites keyed by site id.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{sites: make(map[string]*State)}
}

// Track registers a site and returns its state, creating it on first
// use. Idempotent.
func (r *Registry) Track(siteID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sites[siteID]
	if !ok {
		st = &State{}
		r.sites[siteID] = st
	}
	return st
}

// Get returns the state for a tracked site.
func (r *Registry) Get(siteID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sites[siteID]
	return st, ok
}

// Remove drops a site from the registry. In-flight requests holding its
// snapshot are unaffected.
func (r *Registry) Remove(siteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sites, siteID)
}

// List returns the tracked site ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sites))
	for id := range r.sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked sites.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sites)
}
