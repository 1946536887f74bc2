package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/winnow/internal/catalog/igdb"
	wc "github.com/linnemanlabs/winnow/internal/cfg"
	"github.com/linnemanlabs/winnow/internal/mirror"
	"github.com/linnemanlabs/winnow/internal/notify/slack"
	"github.com/linnemanlabs/winnow/internal/postgres"
	"github.com/linnemanlabs/winnow/internal/triage"
	"github.com/linnemanlabs/winnow/internal/triage/memstore"
	"github.com/linnemanlabs/winnow/internal/triage/pgstore"
)

// backends is the storage side of the triage service.
type backends struct {
	store   triage.Store
	offsets triage.OffsetStore
	mirror  *mirror.Mirror // nil when disabled

	closers []func()
}

// openBackends picks postgres when a database url is configured and process
// memory otherwise, then opens the sqlite mirror if a path is set.
func openBackends(ctx context.Context, L log.Logger, c wc.Config) (*backends, error) {
	b := &backends{}

	if c.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{MaxConns: int32(c.DBMaxConns)}) //nolint:gosec // G115: bounded to 1..100 by Validate
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		b.store, b.offsets = pg, pg
		L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns)
	} else {
		mem := memstore.New()
		b.store, b.offsets = mem, mem
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	if c.MirrorPath == "" {
		L.Warn(ctx, "local mirror disabled, store outages fail triage writes")
		return b, nil
	}
	m, err := mirror.Open(ctx, c.MirrorPath)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("mirror open: %w", err)
	}
	b.mirror = m
	b.closers = append(b.closers, func() { _ = m.Close() })
	if n, err := m.DirtyCount(ctx); err == nil && n > 0 {
		L.Warn(ctx, "mirror holds partitions not yet saved to the store", "dirty", n)
	}
	L.Info(ctx, "local mirror enabled", "path", c.MirrorPath)
	return b, nil
}

// close releases backends in reverse open order.
func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// newService assembles the triage service over b.
func newService(L log.Logger, c wc.Config, b *backends, hooks triage.Hooks) *triage.Service {
	var mir triage.Mirror
	if b.mirror != nil {
		mir = b.mirror
	}

	var notifier triage.Notifier
	if c.SlackWebhookURL != "" {
		notifier = slack.New(c.SlackWebhookURL, L)
		L.Info(context.Background(), "notifier enabled", "type", "slack")
	}

	return triage.NewService(triage.Config{
		Store:   b.store,
		Offsets: b.offsets,
		Mirror:  mir,
		Catalog: igdb.New(igdb.Options{
			ClientID:     c.IGDBClientID,
			ClientSecret: c.IGDBClientSecret,
			BaseURL:      c.IGDBBaseURL,
			AuthURL:      c.IGDBAuthURL,
			Logger:       L,
		}),
		Notifier: notifier,
		Cursor: triage.CursorOptions{
			PageSize:       c.PageSize,
			MaxPagesToScan: c.MaxPagesToScan,
		},
		Matcher: triage.MatcherOptions{
			Concurrency: c.ImportConcurrency,
			Delay:       c.ImportDelay,
		},
		Logger: L,
		Hooks:  hooks,
	})
}

// observeDBQueries exports per-query latency and sets the slow query log threshold.
func observeDBQueries(reg prometheus.Registerer, slow time.Duration) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "winnow_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			hist.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))
	postgres.SetSlowQueryThreshold(slow)
}
