package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var errConnRefused = errors.New("dial tcp: connection refused")

// fakeCatalog serves totals[key] sequential items per partition. Item ids are
// unique across partitions: partition index * 1e6 + position + 1.
type fakeCatalog struct {
	mu        sync.Mutex
	totals    map[string]int
	base      map[string]int64
	listErr   error
	failAt    map[int]error // offset -> error
	calls     []int         // offsets requested
	search    map[string][]Item
	searchErr map[string]error
	searches  []string
	block     chan struct{} // when set, ListByPartition for blockKey waits on it or ctx
	blockKey  string
}

func newFakeCatalog(totals map[string]int) *fakeCatalog {
	c := &fakeCatalog{
		totals:    totals,
		base:      make(map[string]int64),
		failAt:    make(map[int]error),
		search:    make(map[string][]Item),
		searchErr: make(map[string]error),
	}
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		c.base[k] = int64(i) * 1_000_000
	}
	return c
}

func (c *fakeCatalog) item(key string, pos int) Item {
	id := c.base[key] + int64(pos) + 1
	return Item{ID: id, Name: fmt.Sprintf("%s game %d", key, pos), Cover: &Cover{ID: id, ImageID: fmt.Sprintf("co%d", id)}}
}

func (c *fakeCatalog) ListByPartition(ctx context.Context, key string, offset, limit int) ([]Item, error) {
	c.mu.Lock()
	c.calls = append(c.calls, offset)
	var block chan struct{}
	if key == c.blockKey {
		block = c.block
	}
	err := c.listErr
	if e, ok := c.failAt[offset]; ok {
		err = e
	}
	total := c.totals[key]
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var out []Item
	for pos := offset; pos < total && pos < offset+limit; pos++ {
		out = append(out, c.item(key, pos))
	}
	return out, nil
}

func (c *fakeCatalog) Search(_ context.Context, name string, _ int) ([]Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches = append(c.searches, name)
	if err, ok := c.searchErr[name]; ok {
		return nil, err
	}
	return cloneItems(c.search[name]), nil
}

func (c *fakeCatalog) ListPlatforms(context.Context) ([]Platform, error) {
	return []Platform{{ID: 4, Name: "Nintendo 64"}, {ID: 19, Name: "SNES"}}, nil
}

func (c *fakeCatalog) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeCatalog) resetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *fakeCatalog) setListErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// mockStore implements Store and OffsetStore with injectable failures.
type mockStore struct {
	mu         sync.Mutex
	partitions map[string]Partition
	offsets    map[string]int
	down       bool
	puts       int
}

func newMockStore() *mockStore {
	return &mockStore{
		partitions: make(map[string]Partition),
		offsets:    make(map[string]int),
	}
}

func (m *mockStore) setDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *mockStore) Get(_ context.Context, key string) (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return Partition{}, Unavailable("get partition", errConnRefused)
	}
	p, ok := m.partitions[key]
	if !ok {
		return Partition{Key: key, Kept: []Item{}, Rejected: []Item{}}, nil
	}
	return p.Clone(), nil
}

func (m *mockStore) PutOne(_ context.Context, key string, kept, rejected []Item) (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return Partition{}, Unavailable("put partition", errConnRefused)
	}
	m.puts++
	p := Partition{Key: key, Kept: cloneItems(kept), Rejected: cloneItems(rejected)}
	m.partitions[key] = p
	return p.Clone(), nil
}

func (m *mockStore) DeleteOne(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return Unavailable("delete partition", errConnRefused)
	}
	delete(m.partitions, key)
	return nil
}

func (m *mockStore) GetOffset(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, Unavailable("get offset", errConnRefused)
	}
	return m.offsets[key], nil
}

func (m *mockStore) PutOffset(_ context.Context, key string, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return Unavailable("put offset", errConnRefused)
	}
	m.offsets[key] = offset
	return nil
}

func (m *mockStore) stored(key string) (Partition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[key]
	return p.Clone(), ok
}

func (m *mockStore) offset(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[key]
}

// mockMirror implements Mirror.
type mockMirror struct {
	mu      sync.Mutex
	entries map[string]Partition
	dirty   map[string]bool
	puts    int
}

func newMockMirror() *mockMirror {
	return &mockMirror{entries: make(map[string]Partition), dirty: make(map[string]bool)}
}

func (m *mockMirror) Get(_ context.Context, key string) (Partition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[key]
	return p.Clone(), ok, nil
}

func (m *mockMirror) Put(_ context.Context, p Partition, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.Key] = p.Clone()
	m.dirty[p.Key] = dirty
	m.puts++
	return nil
}

func (m *mockMirror) Refresh(_ context.Context, p Partition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirty[p.Key] {
		return false, nil
	}
	m.entries[p.Key] = p.Clone()
	m.dirty[p.Key] = false
	return true, nil
}

func (m *mockMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	delete(m.dirty, key)
	return nil
}

func (m *mockMirror) Dirty(_ context.Context) ([]Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Partition
	for k, d := range m.dirty {
		if d {
			out = append(out, m.entries[k].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *mockMirror) MarkClean(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[key] = false
	return nil
}

func (m *mockMirror) isDirty(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty[key]
}

// mockNotifier records reconcile reports.
type mockNotifier struct {
	mu      sync.Mutex
	reports []ReconcileReport
	err     error
}

func (n *mockNotifier) NotifyReconcile(_ context.Context, r ReconcileReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, r)
	return n.err
}

func itemIDs(items []Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func makeItems(ids ...int64) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{ID: id, Name: fmt.Sprintf("item %d", id)}
	}
	return out
}

func assertDisjoint(tb interface{ Errorf(string, ...any) }, kept, rejected []Item) {
	in := make(map[int64]bool, len(kept))
	for _, it := range kept {
		in[it.ID] = true
	}
	for _, it := range rejected {
		if in[it.ID] {
			tb.Errorf("id %d in both kept and rejected", it.ID)
		}
	}
}
