// Package store provides in-memory implementations of the generic storage
// contracts.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// MEMORY CATALOG - In-memory Catalog[T] (for testing/dev)
// =============================================================================

// MemoryCatalog keeps entries in a map. Deactivate flips the active flag
// through the caller-supplied setter since T is opaque here.
type MemoryCatalog[T generic.Entry] struct {
	mu         sync.RWMutex
	kind       string
	items      map[string]T
	less       func(a, b T) bool
	deactivate func(T) T
}

var _ generic.Catalog[generic.Entry] = (*MemoryCatalog[generic.Entry])(nil)

// NewMemoryCatalog creates an empty catalog. less orders ListActive;
// deactivate returns a copy of an entry with its active flag cleared.
func NewMemoryCatalog[T generic.Entry](kind string, less func(a, b T) bool, deactivate func(T) T) *MemoryCatalog[T] {
	return &MemoryCatalog[T]{
		kind:       kind,
		items:      make(map[string]T),
		less:       less,
		deactivate: deactivate,
	}
}

func (m *MemoryCatalog[T]) Create(_ context.Context, item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := item.EntryID()
	if _, exists := m.items[id]; exists {
		return &generic.DuplicateError{Field: "id", Value: id}
	}
	m.items[id] = item
	return nil
}

// Update replaces an active entry. Inactive or missing entries are not found.
func (m *MemoryCatalog[T]) Update(_ context.Context, item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := item.EntryID()
	cur, ok := m.items[id]
	if !ok || !cur.EntryActive() {
		return generic.NotFound(m.kind, id)
	}
	m.items[id] = item
	return nil
}

func (m *MemoryCatalog[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		var zero T
		return zero, generic.NotFound(m.kind, id)
	}
	return item, nil
}

func (m *MemoryCatalog[T]) ListActive(_ context.Context) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]T, 0, len(m.items))
	for _, item := range m.items {
		if item.EntryActive() {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if m.less != nil {
			return m.less(out[i], out[j])
		}
		return out[i].EntryID() < out[j].EntryID()
	})
	return out, nil
}

func (m *MemoryCatalog[T]) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return generic.NotFound(m.kind, id)
	}
	m.items[id] = m.deactivate(item)
	return nil
}
