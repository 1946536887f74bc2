// Package resync periodically pushes dirty mirror partitions back to the
// entity store on a cron schedule.
package resync

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Syncer pushes dirty mirror entries to the store.
type Syncer interface {
	SyncMirror(ctx context.Context) (pushed, failed int, err error)
}

// Job runs a Syncer on a schedule. Runs never overlap.
type Job struct {
	syncer Syncer
	sched  cron.Schedule
	logger log.Logger
	now    func() time.Time

	runMu    sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Start launches the job loop. The returned Job keeps running until ctx is
// done or Stop is called.
func Start(ctx context.Context, sched cron.Schedule, s Syncer, logger log.Logger) *Job {
	if sched == nil {
		panic(xerrors.New("resync schedule is required"))
	}
	if s == nil {
		panic(xerrors.New("resync syncer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	j := &Job{
		syncer: s,
		sched:  sched,
		logger: logger.With("job", "mirror_resync"),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go j.loop(context.WithoutCancel(ctx), ctx.Done())
	return j
}

func (j *Job) loop(ctx context.Context, cancelled <-chan struct{}) {
	defer close(j.done)
	for {
		now := j.now()
		next := j.sched.Next(now)
		if next.IsZero() {
			j.logger.Warn(ctx, "resync schedule has no next run, stopping")
			return
		}
		j.logger.Info(ctx, "next mirror resync scheduled", "at", next.UTC().Format(time.RFC3339))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-cancelled:
			timer.Stop()
			return
		case <-j.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case <-j.stop:
			return
		default:
		}
		j.RunOnce(ctx)
	}
}

// RunOnce performs one resync pass and logs its outcome.
func (j *Job) RunOnce(ctx context.Context) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	start := j.now()
	pushed, failed, err := j.syncer.SyncMirror(ctx)
	dur := j.now().Sub(start)
	if err != nil {
		j.logger.Error(ctx, err, "mirror resync failed", "pushed", pushed, "failed", failed, "duration", dur)
		return
	}
	if pushed == 0 && failed == 0 {
		return
	}
	j.logger.Info(ctx, "mirror resync complete", "pushed", pushed, "failed", failed, "duration", dur)
}

// Stop ends the loop and waits for an in-flight run to finish or ctx to expire.
func (j *Job) Stop(ctx context.Context) error {
	j.stopOnce.Do(func() { close(j.stop) })
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
