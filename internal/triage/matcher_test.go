package triage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog(nil)
	cat.search["Tetris"] = []Item{{ID: 1, Name: "Chess"}, {ID: 2, Name: "Tetris 99"}}
	cat.search["Super Mario Bros."] = []Item{{ID: 3, Name: "Super Mario Bros"}, {ID: 4, Name: "Super Mario Bros. 3"}}
	cat.search["Pinball"] = []Item{{ID: 1, Name: "Chess"}}
	cat.search["Nothing"] = nil
	cat.search["Twin"] = []Item{{ID: 5, Name: "Twin"}, {ID: 6, Name: "twin"}}
	cat.searchErr["Broken"] = Unavailable("search", errConnRefused)

	m := NewMatcher(cat, MatcherOptions{}, log.Nop(), Hooks{})

	tests := []struct {
		name    string
		in      string
		wantID  int64
		wantErr error
	}{
		{"picks best candidate", "Tetris", 2, nil},
		{"exact beats containment", "Super Mario Bros.", 3, nil},
		{"first wins ties", "Twin", 5, nil},
		{"below threshold", "Pinball", 0, ErrNoConfidentMatch},
		{"no results", "Nothing", 0, ErrNoConfidentMatch},
		{"empty name", "   ", 0, ErrNoConfidentMatch},
		{"search failure", "Broken", 0, ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, err := m.Match(context.Background(), ExternalItem{Name: tt.in})
			if rec.External.Name != tt.in {
				t.Errorf("record external name = %q, want %q", rec.External.Name, tt.in)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if rec.Matched() || rec.Match != nil {
					t.Error("failed record carries a match")
				}
				if !errors.Is(rec.Err, tt.wantErr) || rec.Reason == "" {
					t.Errorf("record err=%v reason=%q", rec.Err, rec.Reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if !rec.Matched() || rec.Match.ID != tt.wantID {
				t.Fatalf("match = %+v, want id %d", rec.Match, tt.wantID)
			}
			if rec.Score <= MatchThreshold {
				t.Errorf("score = %.2f, want > %.2f", rec.Score, MatchThreshold)
			}
		})
	}
}

func TestMatchAll_IsolatesFailures(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog(nil)
	cat.search["Tetris"] = []Item{{ID: 2, Name: "Tetris 99"}}
	cat.search["Chess Master"] = []Item{{ID: 9, Name: "Chessmaster"}}
	cat.searchErr["Broken"] = errConnRefused

	m := NewMatcher(cat, MatcherOptions{Concurrency: 2}, log.Nop(), Hooks{})
	recs := m.MatchAll(context.Background(), []ExternalItem{
		{Name: "Tetris"}, {Name: "Broken"}, {Name: "Unknown"}, {Name: "Chess Master"},
	})

	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	wantNames := []string{"Tetris", "Broken", "Unknown", "Chess Master"}
	for i, r := range recs {
		if r.External.Name != wantNames[i] {
			t.Errorf("record %d = %q, want %q (input order)", i, r.External.Name, wantNames[i])
		}
	}
	if !recs[0].Matched() || !recs[3].Matched() {
		t.Errorf("expected records 0 and 3 matched: %+v %+v", recs[0], recs[3])
	}
	if !errors.Is(recs[1].Err, errConnRefused) {
		t.Errorf("record 1 err = %v, want search error", recs[1].Err)
	}
	if !errors.Is(recs[2].Err, ErrNoConfidentMatch) {
		t.Errorf("record 2 err = %v, want ErrNoConfidentMatch", recs[2].Err)
	}
}

// countingCatalog tracks concurrent Search calls.
type countingCatalog struct {
	*fakeCatalog
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	times    []time.Time
}

func (c *countingCatalog) Search(ctx context.Context, name string, limit int) ([]Item, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c.mu.Lock()
	c.times = append(c.times, time.Now())
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return c.fakeCatalog.Search(ctx, name, limit)
}

func TestMatchAll_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	cat := &countingCatalog{fakeCatalog: newFakeCatalog(nil)}
	m := NewMatcher(cat, MatcherOptions{Concurrency: 3}, log.Nop(), Hooks{})

	items := make([]ExternalItem, 12)
	for i := range items {
		items[i] = ExternalItem{Name: "game"}
	}
	m.MatchAll(context.Background(), items)

	if p := cat.peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestMatchAll_Pacing(t *testing.T) {
	t.Parallel()

	cat := &countingCatalog{fakeCatalog: newFakeCatalog(nil)}
	delay := 20 * time.Millisecond
	m := NewMatcher(cat, MatcherOptions{Concurrency: 4, Delay: delay}, log.Nop(), Hooks{})

	m.MatchAll(context.Background(), make([]ExternalItem, 4))
	// blank names never reach the catalog
	if len(cat.times) != 0 {
		t.Fatalf("searches = %d, want 0 for blank names", len(cat.times))
	}

	items := []ExternalItem{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	start := time.Now()
	m.MatchAll(context.Background(), items)
	if elapsed := time.Since(start); elapsed < 3*delay {
		t.Errorf("4 paced searches took %v, want >= %v", elapsed, 3*delay)
	}
}

func TestMatchAll_Canceled(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog(nil)
	m := NewMatcher(cat, MatcherOptions{Delay: time.Hour}, log.Nop(), Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	recs := m.MatchAll(ctx, []ExternalItem{{Name: "a"}, {Name: "b"}})
	for i, r := range recs {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("record %d err = %v, want context.Canceled", i, r.Err)
		}
	}
}

func TestMatch_Hooks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	got := map[string]int{}
	hooks := Hooks{OnMatch: func(outcome string, _ float64) {
		mu.Lock()
		got[outcome]++
		mu.Unlock()
	}}

	cat := newFakeCatalog(nil)
	cat.search["Tetris"] = []Item{{ID: 2, Name: "Tetris"}}
	cat.searchErr["Broken"] = errConnRefused
	m := NewMatcher(cat, MatcherOptions{}, log.Nop(), hooks)
	m.MatchAll(context.Background(), []ExternalItem{{Name: "Tetris"}, {Name: "Chess"}, {Name: "Broken"}})

	if got["matched"] != 1 || got["unmatched"] != 1 || got["failed"] != 1 {
		t.Errorf("outcomes = %v, want one of each", got)
	}
}
