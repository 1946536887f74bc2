package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

type ctxKey int

const (
	ctxKeyQuery ctxKey = iota
	ctxKeyHTTPMethod
	ctxKeyPartition
	ctxKeyStats
)

var (
	queryObserver atomic.Pointer[queryObserverHolder]
	// slowQuery is the log threshold in nanoseconds; 0 logs every query.
	slowQuery atomic.Int64
)

type queryObserverHolder struct{ QueryObserver }

// queryMeta is stashed on the context between TraceQueryStart and TraceQueryEnd.
type queryMeta struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// SetSlowQueryThreshold makes the tracer skip logging successful queries
// faster than d. Failed queries are always logged.
func SetSlowQueryThreshold(d time.Duration) {
	if d < 0 {
		d = 0
	}
	slowQuery.Store(int64(d))
}

// ReqDBStats accumulates per-request database query statistics.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the query count and total time so far.
func (s *ReqDBStats) Snapshot() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeyStats, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(ctxKeyStats).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

// WithPartition tags queries issued under ctx with the triage partition key.
func WithPartition(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyPartition, key)
}

func stringFromContext(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and logs every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	m := &queryMeta{sql: data.SQL, args: data.Args, start: time.Now()}
	m.caller, m.handler = findDBCallerAndHandler()

	// inner first so its span is the one we annotate
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, m)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 3)
		if m.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", m.caller))
		}
		if m.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", m.handler))
		}
		if p := stringFromContext(ctx, ctxKeyPartition); p != "" {
			attrs = append(attrs, attribute.String("winnow.partition", p))
		}
		span.SetAttributes(attrs...)
	}
	return ctx
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	m, _ := ctx.Value(ctxKeyQuery).(*queryMeta)
	if m == nil {
		m = &queryMeta{}
	}
	var dur time.Duration
	if !m.start.IsZero() {
		dur = time.Since(m.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	observeQuery(ctx, dur, data.Err)

	if data.Err == nil && dur < time.Duration(slowQuery.Load()) {
		return
	}
	logQuery(ctx, m, dur, data)
}

func observeQuery(ctx context.Context, dur time.Duration, err error) {
	obs := getQueryObserver()
	if obs == nil || dur <= 0 {
		return
	}
	method := stringFromContext(ctx, ctxKeyHTTPMethod)
	if method == "" {
		method = "UNKNOWN"
	}
	route := routePatternFromContext(ctx)
	if route == "" {
		route = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	obs.ObserveQuery(ctx, method, route, outcome, dur)
}

func logQuery(ctx context.Context, m *queryMeta, dur time.Duration, data pgx.TraceQueryEndData) {
	fields := []any{
		"db.statement", m.sql,
		"db.args", m.args,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if m.caller != "" {
		fields = append(fields, "db.caller", m.caller)
	}
	if m.handler != "" {
		fields = append(fields, "db.handler", m.handler)
	}
	if p := stringFromContext(ctx, ctxKeyPartition); p != "" {
		fields = append(fields, "partition", p)
	}

	L := log.FromContext(ctx)
	if data.Err == nil {
		L.Info(ctx, "db query", fields...)
		return
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	L.Error(ctx, data.Err, "db query failed", fields...)
}

// findDBCallerAndHandler walks the stack to find the function issuing the
// query (caller) and the first frame above it outside this package (handler).
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if !skipFrame(fn) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !strings.Contains(fn, "github.com/linnemanlabs/winnow/internal/postgres."):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "loggingTracer.TraceQuery")
}

// shortenFuncName trims the package path, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
