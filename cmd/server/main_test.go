package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	wc "github.com/linnemanlabs/winnow/internal/cfg"
	"github.com/linnemanlabs/winnow/internal/postgres"
	"github.com/linnemanlabs/winnow/internal/triage"
	"github.com/linnemanlabs/winnow/internal/triageapi"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestBodyLimitCoversImports(t *testing.T) {
	t.Parallel()

	if bodyLimit <= triageapi.MaxImportBytes {
		t.Errorf("bodyLimit %d must exceed MaxImportBytes %d", bodyLimit, triageapi.MaxImportBytes)
	}
}

func TestParseSettings_Version(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("winnow", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	s, err := parseSettings(fs, []string{"-V"})
	if err != nil {
		t.Fatalf("parseSettings(-V) = %v", err)
	}
	if !s.showVersion {
		t.Error("showVersion not set")
	}
}

func TestParseSettings_UnknownFlag(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("winnow", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := parseSettings(fs, []string{"-no-such-flag"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStopAll_RunsEveryStepInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	step := func(name string, err error) stopFn {
		return stopFn{name, func(ctx context.Context) error {
			order = append(order, name)
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: no deadline", name)
			}
			return err
		}}
	}
	stopAll(log.Nop(), time.Second, []stopFn{
		step("api", nil),
		step("resync", errors.New("stuck")),
		step("ops", nil),
	})

	if got := strings.Join(order, ","); got != "api,resync,ops" {
		t.Errorf("order = %s", got)
	}
}

func TestStopAll_SplitsBudget(t *testing.T) {
	t.Parallel()

	var slices []time.Duration
	record := stopFn{"x", func(ctx context.Context) error {
		d, _ := ctx.Deadline()
		slices = append(slices, time.Until(d))
		return nil
	}}
	stopAll(log.Nop(), 400*time.Millisecond, []stopFn{record, record, record, record})

	for i, d := range slices {
		if d > 100*time.Millisecond {
			t.Errorf("step %d got %v, want at most 100ms", i, d)
		}
	}
	stopAll(log.Nop(), time.Second, nil)
}

func TestDrain_ForceSignalSkips(t *testing.T) {
	t.Parallel()

	force := make(chan os.Signal, 1)
	force <- syscall.SIGTERM
	start := time.Now()
	drain(log.Nop(), time.Minute, force)
	if time.Since(start) > 5*time.Second {
		t.Error("drain ignored the force signal")
	}
}

func TestDrain_Elapses(t *testing.T) {
	t.Parallel()

	start := time.Now()
	drain(log.Nop(), 20*time.Millisecond, nil)
	if time.Since(start) < 20*time.Millisecond {
		t.Error("drain returned early")
	}
}

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestHandler_ServesAPIAndProbes(t *testing.T) {
	t.Parallel()

	b, err := openBackends(context.Background(), log.Nop(), wc.Config{})
	if err != nil {
		t.Fatalf("openBackends: %v", err)
	}
	defer b.close()
	if b.mirror != nil {
		t.Error("mirror opened without a path")
	}

	svc := newService(log.Nop(), wc.Config{IGDBClientID: "id", IGDBClientSecret: "secret", PageSize: 10, MaxPagesToScan: 5, ImportConcurrency: 1}, b, triage.Hooks{})
	defer svc.Close()
	if _, err := svc.PutOne(context.Background(), "4", []triage.Item{{ID: 1, Name: "One"}}, nil); err != nil {
		t.Fatalf("PutOne: %v", err)
	}

	var instrumented bool
	h := wrapHandler(newRouter(log.Nop(), svc, "", okHandler, okHandler), log.Nop(), httpmw.Config{},
		func(next http.Handler) http.Handler {
			instrumented = true
			return next
		})
	srv := httptest.NewServer(h)
	defer srv.Close()

	for _, path := range []string{healthyPath, readyPath, "/api/v1/partitions/4"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
		if path == "/api/v1/partitions/4" && !strings.Contains(string(body), `"One"`) {
			t.Errorf("partition body = %s", body)
		}
	}
	if !instrumented {
		t.Error("instrument middleware not applied")
	}
}

func TestOpenBackends_Mirror(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mirror.db")
	b, err := openBackends(context.Background(), log.Nop(), wc.Config{MirrorPath: path})
	if err != nil {
		t.Fatalf("openBackends: %v", err)
	}
	if b.mirror == nil {
		t.Fatal("mirror not opened")
	}
	b.close()
	if len(b.closers) != 0 {
		t.Error("closers not cleared")
	}
}

func TestIsAPIRequest(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		healthyPath:            false,
		readyPath:              false,
		"/api/v1/platforms":    true,
		"/api/v1/partitions/4": true,
	} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if got := isAPIRequest(r); got != want {
			t.Errorf("isAPIRequest(%s) = %v", path, got)
		}
	}
}

func TestWithQueryContext_AttachesStats(t *testing.T) {
	t.Parallel()

	var seen bool
	h := withQueryContext(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		stats, ok := postgres.ReqDBStatsFromContext(r.Context())
		if ok {
			seen = true
			for range queryHeavyRequest + 1 {
				stats.AddQuery(time.Millisecond, nil)
			}
		}
	}))
	req := httptest.NewRequest(http.MethodPut, "/api/v1/partitions/4", nil)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(log.WithContext(req.Context(), log.Nop())))
	if !seen {
		t.Error("handler saw no query stats")
	}
}
