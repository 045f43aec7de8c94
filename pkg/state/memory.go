package state

import (
	"context"
	"slices"
	"sync"

	"github.com/ethpandaops/runsync/pkg/watermark"
)

// Compile-time interface check.
var _ Store = (*memoryStore)(nil)

type memoryStore struct {
	mu         sync.Mutex
	watermarks map[string]watermark.State
	pending    map[string][]string
}

// NewMemoryStore creates a Store that keeps state for the process lifetime.
func NewMemoryStore() Store {
	return &memoryStore{
		watermarks: make(map[string]watermark.State, 1),
		pending:    make(map[string][]string, 1),
	}
}

func (m *memoryStore) Start(_ context.Context) error { return nil }

func (m *memoryStore) Stop() error { return nil }

func (m *memoryStore) LoadWatermark(_ context.Context, source string) (*watermark.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wm, ok := m.watermarks[source]
	if !ok {
		return nil, nil
	}

	wm.BoundaryRunIDs = slices.Clone(wm.BoundaryRunIDs)

	return &wm, nil
}

func (m *memoryStore) Commit(
	_ context.Context,
	source string,
	wm watermark.State,
	paths []string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wm.BoundaryRunIDs = slices.Clone(wm.BoundaryRunIDs)
	m.watermarks[source] = wm

	for _, p := range paths {
		if !slices.Contains(m.pending[source], p) {
			m.pending[source] = append(m.pending[source], p)
		}
	}

	return nil
}

func (m *memoryStore) ListPending(_ context.Context, source string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.pending[source]), nil
}

func (m *memoryStore) ClearPending(_ context.Context, source, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[source] = slices.DeleteFunc(m.pending[source], func(p string) bool {
		return p == path
	})

	return nil
}
