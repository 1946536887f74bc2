package triage

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives engine events. Any nil field is skipped.
type Hooks struct {
	OnBatch          func(outcome string, pagesScanned int, duration float64)
	OnCommit         func(outcome string)
	OnMirrorFallback func(op string)
	OnMatch          func(outcome string, score float64)
	OnMirrorSync     func(pushed, failed int)
	OnSessionCount   func(n int)
	OnReconcile      func(duration float64)
}

func (h Hooks) batch(outcome string, pages int, dur float64) {
	if h.OnBatch != nil {
		h.OnBatch(outcome, pages, dur)
	}
}

func (h Hooks) commit(outcome string) {
	if h.OnCommit != nil {
		h.OnCommit(outcome)
	}
}

func (h Hooks) mirrorFallback(op string) {
	if h.OnMirrorFallback != nil {
		h.OnMirrorFallback(op)
	}
}

func (h Hooks) match(outcome string, score float64) {
	if h.OnMatch != nil {
		h.OnMatch(outcome, score)
	}
}

func (h Hooks) mirrorSync(pushed, failed int) {
	if h.OnMirrorSync != nil {
		h.OnMirrorSync(pushed, failed)
	}
}

func (h Hooks) sessionCount(n int) {
	if h.OnSessionCount != nil {
		h.OnSessionCount(n)
	}
}

func (h Hooks) reconcile(dur float64) {
	if h.OnReconcile != nil {
		h.OnReconcile(dur)
	}
}

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	BatchesTotal       *prometheus.CounterVec
	BatchDuration      prometheus.Histogram
	BatchPagesScanned  prometheus.Histogram
	CommitsTotal       *prometheus.CounterVec
	MirrorFallbacks    *prometheus.CounterVec
	MatchesTotal       *prometheus.CounterVec
	MatchScore         prometheus.Histogram
	MirrorSyncedTotal  *prometheus.CounterVec
	SessionsOpen       prometheus.Gauge
	ReconcileDurations prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winnow_batches_total",
			Help: "Catalog batch loads by outcome (items, exhausted, error).",
		}, []string{"outcome"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "winnow_batch_duration_seconds",
			Help:    "Duration of catalog batch loads in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}),
		BatchPagesScanned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "winnow_batch_pages_scanned",
			Help:    "Catalog pages scanned per batch load.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9), // 1 .. 256
		}),
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winnow_commits_total",
			Help: "Partition commits by outcome (ok, fallback).",
		}, []string{"outcome"}),
		MirrorFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winnow_mirror_fallbacks_total",
			Help: "Operations served by or diverted to the local mirror.",
		}, []string{"op"}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winnow_reconcile_items_total",
			Help: "Reconciled external items by outcome (matched, unmatched, failed).",
		}, []string{"outcome"}),
		MatchScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "winnow_reconcile_best_score",
			Help:    "Best similarity score per reconciled external item.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		MirrorSyncedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winnow_mirror_resync_total",
			Help: "Dirty mirror partitions pushed back to the store by result.",
		}, []string{"result"}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "winnow_sessions_open",
			Help: "Triage sessions currently registered.",
		}),
		ReconcileDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "winnow_reconcile_duration_seconds",
			Help:    "Duration of reconcile imports in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		}),
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.BatchDuration,
		m.BatchPagesScanned,
		m.CommitsTotal,
		m.MirrorFallbacks,
		m.MatchesTotal,
		m.MatchScore,
		m.MirrorSyncedTotal,
		m.SessionsOpen,
		m.ReconcileDurations,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnBatch: func(outcome string, pages int, duration float64) {
			m.BatchesTotal.WithLabelValues(outcome).Inc()
			m.BatchDuration.Observe(duration)
			m.BatchPagesScanned.Observe(float64(pages))
		},
		OnCommit: func(outcome string) {
			m.CommitsTotal.WithLabelValues(outcome).Inc()
		},
		OnMirrorFallback: func(op string) {
			m.MirrorFallbacks.WithLabelValues(op).Inc()
		},
		OnMatch: func(outcome string, score float64) {
			m.MatchesTotal.WithLabelValues(outcome).Inc()
			m.MatchScore.Observe(score)
		},
		OnMirrorSync: func(pushed, failed int) {
			m.MirrorSyncedTotal.WithLabelValues("pushed").Add(float64(pushed))
			m.MirrorSyncedTotal.WithLabelValues("failed").Add(float64(failed))
		},
		OnSessionCount: func(n int) {
			m.SessionsOpen.Set(float64(n))
		},
		OnReconcile: func(duration float64) {
			m.ReconcileDurations.Observe(duration)
		},
	}
}
