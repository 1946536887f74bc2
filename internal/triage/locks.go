package triage

import (
	"context"
	"sync"
)

// partitionLocks serializes work per partition key. Distinct keys never
// contend.
type partitionLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newPartitionLocks() *partitionLocks {
	return &partitionLocks{slots: make(map[string]*lockSlot)}
}

// lock blocks until key is free or ctx is done. The returned func releases it
// and must be called exactly once.
func (l *partitionLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *partitionLocks) release(key string, s *lockSlot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
