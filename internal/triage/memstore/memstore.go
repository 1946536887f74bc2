// Package memstore provides in-memory implementations of triage.Store,
// triage.OffsetStore and triage.Mirror.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/winnow/internal/triage"
)

// Store holds partitions and resume offsets in memory. Suitable for dev/testing.
type Store struct {
	mu         sync.RWMutex
	partitions map[string]triage.Partition // partition key -> lists
	offsets    map[string]int              // partition key -> next offset
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		partitions: make(map[string]triage.Partition),
		offsets:    make(map[string]int),
	}
}

// Get returns a copy of the partition, or an empty one.
func (s *Store) Get(_ context.Context, key string) (triage.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[key]
	if !ok {
		return triage.Partition{Key: key, Kept: []triage.Item{}, Rejected: []triage.Item{}}, nil
	}
	return p.Clone(), nil
}

// PutOne replaces only the named partition.
func (s *Store) PutOne(_ context.Context, key string, kept, rejected []triage.Item) (triage.Partition, error) {
	kept, rejected = triage.Normalize(kept, rejected)
	p := triage.Partition{Key: key, Kept: kept, Rejected: rejected}.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[key] = p
	return p.Clone(), nil
}

// DeleteOne removes only the named partition and its offset.
func (s *Store) DeleteOne(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.partitions, key)
	delete(s.offsets, key)
	return nil
}

// GetOffset returns the stored resume offset, 0 when unset.
func (s *Store) GetOffset(_ context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[key], nil
}

// PutOffset stores the resume offset.
func (s *Store) PutOffset(_ context.Context, key string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[key] = offset
	return nil
}

// Keys lists stored partition keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.partitions))
	for k := range s.partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type mirrorEntry struct {
	p     triage.Partition
	dirty bool
}

// Mirror is an in-memory triage.Mirror.
type Mirror struct {
	mu      sync.RWMutex
	entries map[string]mirrorEntry
}

// NewMirror initializes an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{entries: make(map[string]mirrorEntry)}
}

func (m *Mirror) Get(_ context.Context, key string) (triage.Partition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return triage.Partition{}, false, nil
	}
	return e.p.Clone(), true, nil
}

func (m *Mirror) Put(_ context.Context, p triage.Partition, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.Key] = mirrorEntry{p: p.Clone(), dirty: dirty}
	return nil
}

func (m *Mirror) Refresh(_ context.Context, p triage.Partition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[p.Key].dirty {
		return false, nil
	}
	m.entries[p.Key] = mirrorEntry{p: p.Clone()}
	return true, nil
}

func (m *Mirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Dirty returns entries written while the store was unreachable, by key.
func (m *Mirror) Dirty(_ context.Context) ([]triage.Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []triage.Partition
	for _, e := range m.entries {
		if e.dirty {
			out = append(out, e.p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Mirror) MarkClean(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.dirty = false
		m.entries[key] = e
	}
	return nil
}

// IsDirty reports whether key has a dirty entry.
func (m *Mirror) IsDirty(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key].dirty
}
