package triage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

const (
	// MatchThreshold is the score a candidate must exceed to be accepted. It is
	// low on purpose: catalog names are noisy transliterations, so matches are
	// provisional and their scores are logged.
	MatchThreshold = 0.4

	DefaultSearchLimit = 5
	DefaultMatchDelay  = 200 * time.Millisecond
)

// MatcherOptions tunes reconciliation searches.
type MatcherOptions struct {
	SearchLimit int
	// Concurrency bounds in-flight searches during MatchAll (default 1).
	Concurrency int
	// Delay is the minimum spacing between search calls during MatchAll.
	Delay time.Duration
}

func (o MatcherOptions) withDefaults() MatcherOptions {
	if o.SearchLimit <= 0 {
		o.SearchLimit = DefaultSearchLimit
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Matcher reconciles externally described items against catalog search results.
type Matcher struct {
	catalog Catalog
	opts    MatcherOptions
	logger  log.Logger
	hooks   Hooks
}

// NewMatcher creates a matcher that searches catalog.
func NewMatcher(catalog Catalog, opts MatcherOptions, logger log.Logger, hooks Hooks) *Matcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Matcher{
		catalog: catalog,
		opts:    opts.withDefaults(),
		logger:  logger,
		hooks:   hooks,
	}
}

// Match searches the catalog for ext.Name and returns the best scoring
// candidate. The returned record is always populated; err is
// ErrNoConfidentMatch when nothing scored above MatchThreshold, or the search
// error.
func (m *Matcher) Match(ctx context.Context, ext ExternalItem) (Reconciliation, error) {
	rec := Reconciliation{External: ext}
	name := strings.TrimSpace(ext.Name)
	if name == "" {
		rec.Reason = "empty name"
		rec.Err = ErrNoConfidentMatch
		m.hooks.match("unmatched", 0)
		return rec, rec.Err
	}

	candidates, err := m.catalog.Search(ctx, name, m.opts.SearchLimit)
	if err != nil {
		rec.Reason = "search failed"
		rec.Err = fmt.Errorf("search %q: %w", name, err)
		m.hooks.match("failed", 0)
		m.logger.Error(ctx, err, "reconcile search failed", "name", name)
		return rec, rec.Err
	}
	if len(candidates) == 0 {
		rec.Reason = "no search results"
		rec.Err = ErrNoConfidentMatch
		m.hooks.match("unmatched", 0)
		m.logger.Info(ctx, "reconcile unmatched", "name", name, "reason", rec.Reason)
		return rec, rec.Err
	}

	best := candidates[0]
	bestScore := Similarity(name, best.Name)
	for _, c := range candidates[1:] {
		if s := Similarity(name, c.Name); s > bestScore {
			best, bestScore = c, s
		}
	}
	rec.Score = bestScore

	if bestScore <= MatchThreshold {
		rec.Reason = fmt.Sprintf("best candidate %q scored %.2f", best.Name, bestScore)
		rec.Err = ErrNoConfidentMatch
		m.hooks.match("unmatched", bestScore)
		m.logger.Info(ctx, "reconcile unmatched",
			"name", name,
			"candidate", best.Name,
			"score", bestScore,
		)
		return rec, rec.Err
	}

	rec.Match = &best
	m.hooks.match("matched", bestScore)
	m.logger.Info(ctx, "reconcile matched",
		"name", name,
		"matched", best.Name,
		"item_id", best.ID,
		"score", bestScore,
	)
	return rec, nil
}

// MatchAll reconciles every item independently. Failures are recorded on the
// item's own record; they never stop the others. Records keep input order.
func (m *Matcher) MatchAll(ctx context.Context, items []ExternalItem) []Reconciliation {
	out := make([]Reconciliation, len(items))
	pace := newPacer(m.opts.Delay)

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for i := range items {
		g.Go(func() error {
			if err := pace.wait(ctx); err != nil {
				out[i] = Reconciliation{External: items[i], Reason: "canceled", Err: err}
				return nil
			}
			out[i], _ = m.Match(ctx, items[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// pacer spaces calls at least delay apart across goroutines.
type pacer struct {
	mu    sync.Mutex
	delay time.Duration
	next  time.Time
}

func newPacer(delay time.Duration) *pacer {
	return &pacer{delay: delay}
}

func (p *pacer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.delay == 0 {
		return nil
	}

	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.delay)
	p.mu.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
