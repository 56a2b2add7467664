package overlay

import (
	"context"
	"sync"
)

// Memory is an in-process overlay used by tests and single-node mode.
// It applies the supplied conflict rule on Put, the way the distributed
// overlay would during convergence.
type Memory struct {
	prefer Prefer

	mu     sync.RWMutex
	values map[Key][]byte
}

// NewMemory returns an empty in-memory overlay. A nil prefer means last
// write wins.
func NewMemory(prefer Prefer) *Memory {
	return &Memory{
		prefer: prefer,
		values: make(map[Key][]byte),
	}
}

func (m *Memory) Put(ctx context.Context, key Key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.values[key]; ok && m.prefer != nil && !m.prefer(current, value) {
		// existing value wins the conflict; redundant puts are harmless
		return nil
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Delete removes a key. Used when a site withdraws.
func (m *Memory) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
