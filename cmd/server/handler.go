package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/winnow/internal/postgres"
	"github.com/linnemanlabs/winnow/internal/triageapi"
)

// bodyLimit leaves headroom over the largest import payload for the JSON envelope.
const bodyLimit = triageapi.MaxImportBytes + 64<<10

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"
)

// newRouter mounts the health probes and the triage API.
func newRouter(L log.Logger, svc triageapi.TriageService, token string, healthz, readyz http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(withQueryContext)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(bodyLimit))

	r.Get(healthyPath, healthz)
	r.Get(readyPath, readyz)

	triageapi.New(L, svc, token).RegisterRoutes(r)
	return r
}

// queryHeavyRequest is the per-request query count that gets a warning.
const queryHeavyRequest = 25

// withQueryContext labels db queries with the request method and counts them.
func withQueryContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.NewReqDBStatsContext(postgres.WithHTTPMethod(req.Context(), req.Method))
		next.ServeHTTP(w, req.WithContext(ctx))

		stats, _ := postgres.ReqDBStatsFromContext(ctx)
		if n, total := stats.Snapshot(); n > queryHeavyRequest {
			log.FromContext(ctx).Warn(ctx, "request issued many queries",
				"path", req.URL.Path, "queries", n, "db_time", total)
		}
	})
}

// wrapHandler applies the outer middleware. The last wrapper added sees the
// raw request first.
func wrapHandler(h http.Handler, L log.Logger, mwCfg httpmw.Config, instrument func(http.Handler) http.Handler) http.Handler {
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(isAPIRequest),
		// AnnotateHTTPRoute renames the span to the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	if instrument != nil {
		h = instrument(h)
	}
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: mwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// isAPIRequest keeps probe traffic out of traces.
func isAPIRequest(r *http.Request) bool {
	return r.URL.Path != healthyPath && r.URL.Path != readyPath
}
