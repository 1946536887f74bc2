package resync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// every fires at a fixed interval; cron's own @every rounds to whole seconds.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// never has no next activation.
type never struct{}

func (never) Next(time.Time) time.Time { return time.Time{} }

type fakeSyncer struct {
	calls  atomic.Int32
	err    error
	called chan struct{}
	block  chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{called: make(chan struct{}, 64)}
}

func (f *fakeSyncer) SyncMirror(context.Context) (int, int, error) {
	f.calls.Add(1)
	select {
	case f.called <- struct{}{}:
	default:
	}
	if f.block != nil {
		<-f.block
	}
	return 1, 0, f.err
}

func waitCalls(t *testing.T, f *fakeSyncer, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-f.called:
		case <-deadline:
			t.Fatalf("syncer called %d times, want at least %d", f.calls.Load(), n)
		}
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	t.Parallel()

	f := newFakeSyncer()
	j := Start(context.Background(), every(5*time.Millisecond), f, log.Nop())
	waitCalls(t, f, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	n := f.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if got := f.calls.Load(); got != n {
		t.Errorf("syncer called after Stop: %d -> %d", n, got)
	}
}

func TestStart_StopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	j := Start(ctx, every(time.Hour), newFakeSyncer(), nil)
	cancel()

	select {
	case <-j.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on context cancel")
	}
}

func TestStart_NoNextRunExits(t *testing.T) {
	t.Parallel()

	f := newFakeSyncer()
	j := Start(context.Background(), never{}, f, nil)
	select {
	case <-j.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit for an empty schedule")
	}
	if f.calls.Load() != 0 {
		t.Error("syncer should not run without a next activation")
	}
}

func TestStop_WaitsForInflightRun(t *testing.T) {
	t.Parallel()

	f := newFakeSyncer()
	f.block = make(chan struct{})
	j := Start(context.Background(), every(time.Millisecond), f, nil)
	waitCalls(t, f, 1)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := j.Stop(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop during run = %v, want deadline exceeded", err)
	}

	close(f.block)
	if err := j.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRunOnce_ErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	f := newFakeSyncer()
	f.err = errors.New("store still down")
	j := Start(context.Background(), every(2*time.Millisecond), f, log.Nop())
	waitCalls(t, f, 2)
	_ = j.Stop(context.Background())
}

func TestStart_RequiresDeps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func()
	}{
		{"nil schedule", func() { Start(context.Background(), nil, newFakeSyncer(), nil) }},
		{"nil syncer", func() { Start(context.Background(), every(time.Second), nil, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn()
		})
	}
}
