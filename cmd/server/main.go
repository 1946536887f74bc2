// Winnow serves catalog triage sessions: walk a platform's catalog in
// batches, keep or reject each item, and reconcile external lists against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/winnow/internal/resync"
	"github.com/linnemanlabs/winnow/internal/triage"
)

const (
	appName   = "winnow"
	component = "server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	s, err := parseSettings(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	if s.showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty)
		return nil
	}
	appCfg := s.app
	// validated above
	schedule, _ := appCfg.Schedule()

	lg, err := log.New(s.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting winnow",
		"version", vi.Version,
		"commit", vi.Commit,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", s.ops.Port,
		"enable_tracing", s.trace.EnableTracing,
		"enable_pyroscope", s.prof.EnablePyroscope,
		"cursor_page_size", appCfg.PageSize,
		"cursor_max_pages", appCfg.MaxPagesToScan,
		"import_concurrency", appCfg.ImportConcurrency,
		"resync_schedule", appCfg.ResyncSchedule,
		"api_auth", appCfg.APIToken != "",
	)

	profOpts := s.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{"app": v.AppName, "component": v.Component, "version": vi.Version}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", s.prof.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	traceOpts := s.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtel, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtel == nil {
		shutdownOtel = func(context.Context) error { return nil }
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && s.prof.EnablePyroscope)
	triageMetrics := triage.NewMetrics(m.Registry())
	observeDBQueries(m.Registry(), appCfg.SlowQuery)

	b, err := openBackends(ctx, L, appCfg)
	if err != nil {
		return err
	}
	defer b.close()

	triageSvc := newService(L, appCfg, b, triageMetrics.Hooks())

	stopResync := func(context.Context) error { return nil }
	if schedule != nil && b.mirror != nil {
		job := resync.Start(ctx, schedule, triageSvc, L)
		stopResync = job.Stop
		// a previous run may have left dirty entries
		go job.RunOnce(ctx)
	}

	// readiness fails once shutdown starts so the load balancer drains us
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := s.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	router := newRouter(L, triageSvc, appCfg.APIToken,
		health.HealthzHandler(liveness), health.ReadyzHandler(readiness))
	handler := wrapHandler(router, L, s.httpmw, func(h http.Handler) http.Handler { return m.Middleware(h) })

	apiOpts, err := s.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		_ = opsStop(context.Background())
		return err
	}
	apiStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), handler, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start triage api http listener")
		_ = opsStop(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second, force)
	signal.Stop(force)

	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"triage api http server", apiStop},
		{"mirror resync", stopResync},
		{"triage service", func(context.Context) error {
			// flushes pending mirror writes
			triageSvc.Close()
			return nil
		}},
		{"ops http server", opsStop},
		{"otel", shutdownOtel},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}
