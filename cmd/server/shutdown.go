package main

import (
	"context"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// drain waits out d so load balancers notice the failed readiness probe.
// A signal on force cuts it short.
func drain(L log.Logger, d time.Duration, force <-chan os.Signal) {
	ctx := context.Background()
	L.Info(ctx, "sleeping for drain period", "drain", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// stopAll runs fns in order. Each gets an equal slice of budget and a
// failure does not stop the ones after it.
func stopAll(L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	per := budget / time.Duration(len(fns))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range fns {
		cctx, ccancel := context.WithTimeout(ctx, per)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}
