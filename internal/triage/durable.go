package triage

import (
	"context"
	"errors"
	"sync"

	"github.com/linnemanlabs/go-core/log"
)

// durable combines the authoritative Store with the optional local Mirror.
// The mirror is read only when the store reports ErrUpstreamUnavailable and is
// written fire-and-forget after every commit attempt.
type durable struct {
	store   Store
	offsets OffsetStore
	mirror  Mirror
	logger  log.Logger
	hooks   Hooks

	wg      sync.WaitGroup
	seqMu   sync.Mutex
	seq     map[string]uint64
	writeMu sync.Mutex
}

func (d *durable) load(ctx context.Context, key string) (Partition, bool, error) {
	p, err := d.store.Get(ctx, key)
	if err == nil {
		p.Key = key
		return d.refresh(ctx, NormalizePartition(p)), false, nil
	}
	if d.mirror == nil || !errors.Is(err, ErrUpstreamUnavailable) {
		return Partition{}, false, err
	}

	mp, ok, merr := d.mirror.Get(ctx, key)
	if merr != nil {
		d.logger.Error(ctx, merr, "mirror read failed", "partition", key)
		return Partition{}, false, err
	}
	d.hooks.mirrorFallback("load")
	d.logger.Warn(ctx, "entity store unavailable, serving partition from mirror",
		"partition", key,
		"found", ok,
		"error", err,
	)
	if !ok {
		return Partition{Key: key, Kept: []Item{}, Rejected: []Item{}}, true, nil
	}
	mp.Key = key
	return NormalizePartition(mp), true, nil
}

// refresh copies a partition read from the store into the mirror. A dirty
// entry is left alone and its decisions are merged into the returned copy.
func (d *durable) refresh(ctx context.Context, p Partition) Partition {
	if d.mirror == nil {
		return p
	}
	d.writeMu.Lock()
	wrote, err := d.mirror.Refresh(ctx, p)
	d.writeMu.Unlock()
	if err != nil {
		d.logger.Warn(ctx, "mirror refresh failed", "partition", p.Key, "error", err)
		return p
	}
	if wrote {
		return p
	}
	local, ok, err := d.mirror.Get(ctx, p.Key)
	if err != nil || !ok {
		return p
	}
	return mergeDirty(p, local)
}

// commit writes one partition. On failure the same pair goes to the mirror and
// a *CommitWarning is returned along with the locally normalized partition.
func (d *durable) commit(ctx context.Context, key string, kept, rejected []Item) (Partition, error) {
	kept, rejected = Normalize(kept, rejected)

	p, err := d.store.PutOne(ctx, key, kept, rejected)
	if err == nil {
		p.Key = key
		p = NormalizePartition(p)
		d.hooks.commit("ok")
		d.mirrorPut(ctx, p, false)
		return p, nil
	}

	d.hooks.commit("fallback")
	d.hooks.mirrorFallback("commit")
	d.logger.Error(ctx, err, "commit failed, writing partition to mirror",
		"partition", key,
		"kept", len(kept),
		"rejected", len(rejected),
	)
	local := Partition{Key: key, Kept: kept, Rejected: rejected}
	d.mirrorPut(ctx, local, true)
	return local.Clone(), &CommitWarning{Partition: key, Err: err}
}

func (d *durable) clear(ctx context.Context, key string) error {
	if err := d.store.DeleteOne(ctx, key); err != nil {
		return err
	}
	if d.mirror != nil {
		// pending writes for key become stale and are dropped
		d.bumpSeq(key)
		d.writeMu.Lock()
		err := d.mirror.Delete(ctx, key)
		d.writeMu.Unlock()
		if err != nil {
			d.logger.Warn(ctx, "mirror delete failed", "partition", key, "error", err)
		}
	}
	return d.putOffset(ctx, key, 0)
}

func (d *durable) offset(ctx context.Context, key string) int {
	if d.offsets == nil {
		return 0
	}
	off, err := d.offsets.GetOffset(ctx, key)
	if err != nil {
		d.logger.Warn(ctx, "resume offset unavailable, starting from 0", "partition", key, "error", err)
		return 0
	}
	return off
}

func (d *durable) putOffset(ctx context.Context, key string, offset int) error {
	if d.offsets == nil {
		return nil
	}
	return d.offsets.PutOffset(ctx, key, offset)
}

// mirrorPut never blocks the caller. Writes for a key that were overtaken by
// a newer write before they ran are dropped.
func (d *durable) mirrorPut(ctx context.Context, p Partition, dirty bool) {
	if d.mirror == nil {
		return
	}
	p = p.Clone()
	ctx = context.WithoutCancel(ctx)

	mine := d.bumpSeq(p.Key)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.writeMu.Lock()
		defer d.writeMu.Unlock()

		d.seqMu.Lock()
		stale := d.seq[p.Key] != mine
		d.seqMu.Unlock()
		if stale {
			return
		}
		if err := d.mirror.Put(ctx, p, dirty); err != nil {
			d.logger.Warn(ctx, "mirror write failed", "partition", p.Key, "dirty", dirty, "error", err)
		}
	}()
}

func (d *durable) bumpSeq(key string) uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.seq == nil {
		d.seq = make(map[string]uint64)
	}
	d.seq[key]++
	return d.seq[key]
}

// wait blocks until pending mirror writes finish.
func (d *durable) wait() {
	d.wg.Wait()
}
