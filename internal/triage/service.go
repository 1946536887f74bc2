package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
)

// Notifier receives the report of every reconcile import.
type Notifier interface {
	NotifyReconcile(ctx context.Context, r ReconcileReport) error
}

// Config wires a Service. Store and Catalog are required; Offsets, Mirror,
// Platforms and Notifier are optional.
type Config struct {
	Store     Store
	Offsets   OffsetStore
	Mirror    Mirror
	Catalog   Catalog
	Platforms PlatformLister
	Notifier  Notifier
	Cursor    CursorOptions
	Matcher   MatcherOptions
	Logger    log.Logger
	Hooks     Hooks
}

// Service is the business boundary for triage: it owns the session registry
// and serializes all partition writes, whether they come from a session, an
// import, or a mirror resync.
type Service struct {
	durable  *durable
	cursor   *Cursor
	matcher  *Matcher
	catalog  Catalog
	lister   PlatformLister
	notifier Notifier
	locks    *partitionLocks
	logger   log.Logger
	hooks    Hooks

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates a triage service.
func NewService(c Config) *Service {
	if c.Store == nil {
		panic(xerrors.New("triage store is required"))
	}
	if c.Catalog == nil {
		panic(xerrors.New("triage catalog is required"))
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	if c.Platforms == nil {
		c.Platforms, _ = c.Catalog.(PlatformLister)
	}

	return &Service{
		durable: &durable{
			store:   c.Store,
			offsets: c.Offsets,
			mirror:  c.Mirror,
			logger:  c.Logger,
			hooks:   c.Hooks,
		},
		cursor:   NewCursor(c.Catalog, c.Cursor, c.Logger, c.Hooks),
		matcher:  NewMatcher(c.Catalog, c.Matcher, c.Logger, c.Hooks),
		catalog:  c.Catalog,
		lister:   c.Platforms,
		notifier: c.Notifier,
		locks:    newPartitionLocks(),
		logger:   c.Logger,
		hooks:    c.Hooks,
		sessions: make(map[string]*Session),
	}
}

// OpenSession registers a new session. When key is set the partition is
// selected and its first batch loaded; the session stays registered even if
// that load fails.
func (s *Service) OpenSession(ctx context.Context, key string) (*Session, View, error) {
	id := ulid.Make().String()
	sess := newSession(id, s.durable, s.cursor, s.locks, s.logger, s.adoptFrom)

	s.mu.Lock()
	s.sessions[id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.hooks.sessionCount(n)

	s.logger.Info(ctx, "session opened", "session_id", id, "partition", key)
	if key == "" {
		return sess, sess.View(), nil
	}
	v, err := sess.SelectPartition(ctx, key)
	return sess, v, err
}

// Session looks up a session by id.
func (s *Service) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// CloseSession closes and unregisters a session.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Close()
	s.hooks.sessionCount(n)
	s.logger.Info(ctx, "session closed", "session_id", id)
	return nil
}

// Get returns the partition, served from the mirror when the store is
// unreachable.
func (s *Service) Get(ctx context.Context, key string) (Partition, error) {
	p, _, err := s.durable.load(ctx, key)
	return p, err
}

// Export returns the partition's deduplicated lists as a document.
func (s *Service) Export(ctx context.Context, key string) (ListsDocument, error) {
	p, err := s.Get(ctx, key)
	if err != nil {
		return ListsDocument{}, err
	}
	return ListsDocument{Partition: key, Favorites: p.Kept, Deleted: p.Rejected}, nil
}

// PutOne replaces one partition's lists. A *CommitWarning means the lists only
// reached the mirror.
func (s *Service) PutOne(ctx context.Context, key string, kept, rejected []Item) (Partition, error) {
	if key == "" {
		return Partition{}, ErrNoPartition
	}
	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return Partition{}, err
	}
	defer unlock()

	p, err := s.durable.commit(ctx, key, kept, rejected)
	s.adopt(p)
	return p, err
}

// ImportLists replaces one partition's lists from a list document. A
// malformed document leaves the partition untouched.
func (s *Service) ImportLists(ctx context.Context, key string, body []byte) (Partition, error) {
	kept, rejected, err := ParseLists(body)
	if err != nil {
		return Partition{}, err
	}
	p, err := s.PutOne(ctx, key, kept, rejected)
	s.logger.Info(ctx, "lists imported",
		"partition", key,
		"kept", len(p.Kept),
		"rejected", len(p.Rejected),
		"committed", err == nil,
	)
	return p, err
}

// Clear deletes the partition and its resume offset. Open sessions on the
// partition keep their current batch and restart from offset 0.
func (s *Service) Clear(ctx context.Context, key string) error {
	if key == "" {
		return ErrNoPartition
	}
	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.durable.clear(ctx, key); err != nil {
		return fmt.Errorf("clear partition %s: %w", key, err)
	}
	for _, sess := range s.snapshotSessions() {
		sess.cleared(key)
	}
	s.logger.Info(ctx, "partition cleared", "partition", key)
	return nil
}

// Reconcile matches an external list against the catalog and adds every
// confident match to the partition's kept list marked collected. The payload
// is fully decoded before anything is searched or written.
func (s *Service) Reconcile(ctx context.Context, key string, format ImportFormat, body []byte) (ReconcileReport, error) {
	if key == "" {
		return ReconcileReport{}, ErrNoPartition
	}
	items, err := ParseExternalItems(format, body)
	if err != nil {
		return ReconcileReport{}, err
	}

	L := s.logger.With("partition", key)
	report := ReconcileReport{Partition: key, Total: len(items), StartedAt: time.Now().UTC()}
	L.Info(ctx, "reconcile started", "items", len(items), "format", format)

	report.Records = s.matcher.MatchAll(ctx, items)
	var matched []Item
	for _, r := range report.Records {
		switch {
		case r.Matched():
			report.Matched++
			matched = append(matched, *r.Match)
		case errors.Is(r.Err, ErrNoConfidentMatch):
			report.Unmatched++
		default:
			report.Failed++
		}
	}

	var commitErr error
	if len(matched) > 0 {
		report.Added, commitErr = s.addCollected(ctx, key, matched)
		if commitErr != nil {
			var warn *CommitWarning
			if !errors.As(commitErr, &warn) {
				return report, commitErr
			}
		}
	}

	report.FinishedAt = time.Now().UTC()
	s.hooks.reconcile(report.FinishedAt.Sub(report.StartedAt).Seconds())
	L.Info(ctx, "reconcile finished",
		"total", report.Total,
		"matched", report.Matched,
		"unmatched", report.Unmatched,
		"failed", report.Failed,
		"added", report.Added,
	)

	if s.notifier != nil {
		if err := s.notifier.NotifyReconcile(ctx, report); err != nil {
			L.Warn(ctx, "reconcile report not delivered", "error", err)
		}
	}
	return report, commitErr
}

// addCollected puts matched items in kept with Collected set. Items already
// kept are flagged in place; rejected ones move over.
func (s *Service) addCollected(ctx context.Context, key string, matched []Item) (int, error) {
	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	p, _, err := s.durable.load(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load partition %s: %w", key, err)
	}

	added := 0
	for _, it := range matched {
		it.Collected = true
		if i := indexOf(p.Kept, it.ID); i >= 0 {
			p.Kept[i].Collected = true
			continue
		}
		p.Rejected, _, _ = removeItem(p.Rejected, it.ID)
		p.Kept = append(p.Kept, it)
		added++
	}

	committed, err := s.durable.commit(ctx, key, p.Kept, p.Rejected)
	s.adopt(committed)
	return added, err
}

// ListPlatforms lists catalog partitions.
func (s *Service) ListPlatforms(ctx context.Context) ([]Platform, error) {
	if s.lister == nil {
		return nil, fmt.Errorf("%w: catalog cannot list platforms", ErrInvalidState)
	}
	return s.lister.ListPlatforms(ctx)
}

// SyncMirror pushes partitions that were committed only to the mirror back to
// the store and marks them clean. It stops at the first store failure since
// the store is presumably still down.
func (s *Service) SyncMirror(ctx context.Context) (pushed, failed int, err error) {
	if s.durable.mirror == nil {
		return 0, 0, nil
	}
	s.durable.wait()

	dirty, err := s.durable.mirror.Dirty(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list dirty mirror entries: %w", err)
	}
	if len(dirty) == 0 {
		return 0, 0, nil
	}
	if p, ok := s.durable.store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn(ctx, "mirror resync skipped, store unreachable", "dirty", len(dirty), "error", err)
			return 0, 0, err
		}
	}
	defer func() { s.hooks.mirrorSync(pushed, failed) }()

	for _, p := range dirty {
		if err := s.pushDirty(ctx, p); err != nil {
			failed++
			if errors.Is(err, ErrUpstreamUnavailable) || ctx.Err() != nil {
				s.logger.Warn(ctx, "mirror resync paused", "partition", p.Key, "error", err)
				return pushed, failed, err
			}
			s.logger.Error(ctx, err, "mirror resync failed", "partition", p.Key)
			continue
		}
		pushed++
	}
	if pushed > 0 {
		s.logger.Info(ctx, "mirror resync complete", "pushed", pushed, "failed", failed)
	}
	return pushed, failed, nil
}

func (s *Service) pushDirty(ctx context.Context, p Partition) error {
	unlock, err := s.locks.lock(ctx, p.Key)
	if err != nil {
		return err
	}
	defer unlock()

	// the store may hold decisions the mirror never saw
	current, err := s.durable.store.Get(ctx, p.Key)
	if err != nil {
		return err
	}
	merged := mergeDirty(current, p)
	committed, err := s.durable.store.PutOne(ctx, p.Key, merged.Kept, merged.Rejected)
	if err != nil {
		return err
	}
	committed.Key = p.Key
	if err := s.durable.mirror.MarkClean(ctx, p.Key); err != nil {
		s.logger.Warn(ctx, "mirror entry not marked clean", "partition", p.Key, "error", err)
	}
	s.adopt(NormalizePartition(committed))
	return nil
}

// Close closes every session and waits for pending mirror writes.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.hooks.sessionCount(0)
	s.durable.wait()
}

// Wait blocks until pending mirror writes finish.
func (s *Service) Wait() { s.durable.wait() }

func (s *Service) adopt(p Partition) {
	s.adoptFrom(nil, p)
}

func (s *Service) adoptFrom(origin *Session, p Partition) {
	for _, sess := range s.snapshotSessions() {
		if sess != origin {
			sess.adopt(p)
		}
	}
}

func (s *Service) snapshotSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
