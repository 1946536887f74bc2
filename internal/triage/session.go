package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// State is a session's position in the triage state machine.
type State int

const (
	StateIdle State = iota
	StateBatchLoading
	StateReady
	StateCommitting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBatchLoading:
		return "batch_loading"
	case StateReady:
		return "ready"
	case StateCommitting:
		return "committing"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateExhausted; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// View is a point-in-time copy of a session.
type View struct {
	ID         string    `json:"id"`
	Partition  string    `json:"partition,omitempty"`
	State      State     `json:"state"`
	Batch      []Item    `json:"batch"`
	Kept       []Item    `json:"kept"`
	Rejected   []Item    `json:"rejected"`
	Offset     int       `json:"offset"`
	Exhausted  bool      `json:"exhausted"`
	FromMirror bool      `json:"from_mirror,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session drives triage of one partition at a time. Mutating calls for a
// partition are serialized with every other session on the same partition;
// the store still assumes one active writer per partition.
type Session struct {
	id        string
	createdAt time.Time
	durable   *durable
	cursor    *Cursor
	locks     *partitionLocks
	logger    log.Logger
	publish   func(from *Session, p Partition)

	mu         sync.Mutex
	state      State
	key        string
	part       Partition
	batch      []Item
	seen       map[int64]struct{}
	offset     int
	exhausted  bool
	fromMirror bool
	gen        uint64
	cancel     context.CancelFunc
	closed     bool
}

func newSession(id string, d *durable, c *Cursor, locks *partitionLocks, logger log.Logger, publish func(*Session, Partition)) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		durable:   d,
		cursor:    c,
		locks:     locks,
		logger:    logger.With("session_id", id),
		publish:   publish,
		seen:      make(map[int64]struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Partition returns the selected partition key, or "" when idle.
func (s *Session) Partition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// View returns a copy of the session state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	return View{
		ID:         s.id,
		Partition:  s.key,
		State:      s.state,
		Batch:      cloneItems(s.batch),
		Kept:       cloneItems(s.part.Kept),
		Rejected:   cloneItems(s.part.Rejected),
		Offset:     s.offset,
		Exhausted:  s.exhausted,
		FromMirror: s.fromMirror,
		CreatedAt:  s.createdAt,
	}
}

// SelectPartition switches the session to key, abandoning any load in flight.
// The partition is read from the store (or the mirror when the store is
// unreachable), the cursor resumes from the persisted offset, and the first
// batch is loaded.
func (s *Session) SelectPartition(ctx context.Context, key string) (View, error) {
	if key == "" {
		return View{}, fmt.Errorf("%w: empty partition key", ErrNoPartition)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.key = key
	s.state = StateBatchLoading
	s.part = Partition{Key: key, Kept: []Item{}, Rejected: []Item{}}
	s.batch = nil
	s.seen = make(map[int64]struct{})
	s.offset = 0
	s.exhausted = false
	s.fromMirror = false
	s.mu.Unlock()
	defer cancel()

	s.logger.Info(ctx, "partition selected", "partition", key)
	return s.open(loadCtx, gen, key, false)
}

// Reset restarts the selected partition's cursor from offset 0 and clears the
// seen set. It is the way out of the exhausted state.
func (s *Session) Reset(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	if s.key == "" {
		s.mu.Unlock()
		return View{}, ErrNoPartition
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen, key := s.gen, s.key
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateBatchLoading
	s.batch = nil
	s.seen = make(map[int64]struct{})
	s.exhausted = false
	s.mu.Unlock()
	defer cancel()

	s.logger.Info(ctx, "partition cursor reset", "partition", key)
	return s.open(loadCtx, gen, key, true)
}

func (s *Session) open(ctx context.Context, gen uint64, key string, fromStart bool) (View, error) {
	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return s.abandon(gen, err)
	}
	defer unlock()

	p, fromMirror, err := s.durable.load(ctx, key)
	if err != nil {
		s.logger.Error(ctx, err, "load partition failed", "partition", key)
		return s.abandon(gen, fmt.Errorf("load partition %s: %w", key, err))
	}

	offset := 0
	if fromStart {
		if err := s.durable.putOffset(ctx, key, 0); err != nil {
			s.logger.Warn(ctx, "reset offset not persisted", "partition", key, "error", err)
		}
	} else {
		offset = s.durable.offset(ctx, key)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return View{}, ErrSuperseded
	}
	s.part = p
	s.fromMirror = fromMirror
	s.offset = offset
	exclude := s.excludeLocked()
	s.mu.Unlock()

	b, err := s.cursor.NextBatch(ctx, key, offset, exclude)
	return s.finishLoad(ctx, gen, key, b, err)
}

// LoadMore fetches the next batch. It is only valid once the current batch is
// empty and the partition is not exhausted.
func (s *Session) LoadMore(ctx context.Context) (View, error) {
	s.mu.Lock()
	key, gen := s.key, s.gen
	s.mu.Unlock()
	if key == "" {
		return View{}, ErrNoPartition
	}

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return View{}, err
	}
	defer unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return View{}, ErrSuperseded
	}
	switch {
	case s.exhausted:
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: partition %s is exhausted", ErrInvalidState, key)
	case s.state != StateReady:
		st := s.state
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: load more while %s", ErrInvalidState, st)
	case len(s.batch) > 0:
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: current batch still has %d items", ErrInvalidState, len(s.batch))
	}
	if s.cancel != nil {
		s.cancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateBatchLoading
	offset := s.offset
	exclude := s.excludeLocked()
	s.mu.Unlock()
	defer cancel()

	b, err := s.cursor.NextBatch(loadCtx, key, offset, exclude)
	return s.finishLoad(loadCtx, gen, key, b, err)
}

// finishLoad applies a cursor result unless a newer selection superseded it.
// The new offset is persisted only for a successful, current load.
func (s *Session) finishLoad(ctx context.Context, gen uint64, key string, b Batch, err error) (View, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return View{}, ErrSuperseded
	}
	if err != nil {
		s.state = StateReady
		offset := s.offset
		v := s.viewLocked()
		s.mu.Unlock()
		s.logger.Error(ctx, err, "batch load failed", "partition", key, "offset", offset)
		return v, err
	}

	for _, it := range b.Items {
		s.seen[it.ID] = struct{}{}
	}
	s.batch = append(s.batch, b.Items...)
	s.offset = b.NewOffset
	s.exhausted = b.Exhausted
	s.state = s.settledLocked()
	v := s.viewLocked()
	s.mu.Unlock()

	// callers hold the partition lock
	if perr := s.durable.putOffset(ctx, key, b.NewOffset); perr != nil {
		s.logger.Warn(ctx, "resume offset not persisted", "partition", key, "offset", b.NewOffset, "error", perr)
	}
	return v, nil
}

func (s *Session) abandon(gen uint64, err error) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return View{}, ErrSuperseded
	}
	s.state = StateIdle
	return s.viewLocked(), err
}

// Act applies a decision. Keep and Reject take an item from the current
// batch; Undo takes it from the decision's source list. The full kept and
// rejected lists of the partition are then committed. A *CommitWarning means
// the change stands in memory and in the mirror but might not be saved.
func (s *Session) Act(ctx context.Context, itemID int64, d Decision) (View, error) {
	return s.mutate(ctx, func() error {
		switch d.Kind() {
		case DecisionKeep, DecisionReject:
			rest, it, ok := removeItem(s.batch, itemID)
			if !ok {
				return fmt.Errorf("%w: item %d is not in the current batch", ErrItemNotFound, itemID)
			}
			s.batch = rest
			if d.Kind() == DecisionKeep {
				s.part.Kept = append(s.part.Kept, it)
			} else {
				it.Collected = false
				s.part.Rejected = append(s.part.Rejected, it)
			}
			return nil
		case DecisionUndo:
			return s.undoLocked(itemID, d.From(), d.To())
		}
		return fmt.Errorf("%w: %s", ErrInvalidDecision, d)
	})
}

// Undo moves an item out of from. To pending puts it at the front of the
// current batch so it can be triaged again.
func (s *Session) Undo(ctx context.Context, itemID int64, from, to List) (View, error) {
	d, err := UndoTo(from, to)
	if err != nil {
		return View{}, err
	}
	return s.Act(ctx, itemID, d)
}

func (s *Session) undoLocked(itemID int64, from, to List) error {
	var src *[]Item
	switch from {
	case ListKept:
		src = &s.part.Kept
	case ListRejected:
		src = &s.part.Rejected
	default:
		return fmt.Errorf("%w: undo from %q", ErrInvalidDecision, from)
	}

	rest, it, ok := removeItem(*src, itemID)
	if !ok {
		return fmt.Errorf("%w: item %d is not in %s", ErrItemNotFound, itemID, from)
	}
	*src = rest

	switch to {
	case ListPending:
		it.Collected = false
		s.batch = append([]Item{it}, s.batch...)
	case ListKept:
		s.part.Kept = append(s.part.Kept, it)
	case ListRejected:
		it.Collected = false
		s.part.Rejected = append(s.part.Rejected, it)
	}
	return nil
}

// ToggleCollected flips the collected flag of a kept item and recommits.
func (s *Session) ToggleCollected(ctx context.Context, itemID int64) (View, error) {
	return s.mutate(ctx, func() error {
		i := indexOf(s.part.Kept, itemID)
		if i < 0 {
			return fmt.Errorf("%w: item %d is not kept", ErrItemNotFound, itemID)
		}
		s.part.Kept[i].Collected = !s.part.Kept[i].Collected
		return nil
	})
}

// mutate runs apply under the partition lock and commits the result. The
// in-memory change is never rolled back when the commit fails.
func (s *Session) mutate(ctx context.Context, apply func() error) (View, error) {
	s.mu.Lock()
	key, gen := s.key, s.gen
	s.mu.Unlock()
	if key == "" {
		return View{}, ErrNoPartition
	}

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return View{}, err
	}
	defer unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return View{}, ErrSuperseded
	}
	if s.state != StateReady && s.state != StateExhausted {
		st := s.state
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: cannot change partition while %s", ErrInvalidState, st)
	}
	if err := apply(); err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	s.state = StateCommitting
	kept, rejected := cloneItems(s.part.Kept), cloneItems(s.part.Rejected)
	s.mu.Unlock()

	committed, cerr := s.durable.commit(ctx, key, kept, rejected)

	// other sessions on the partition pick up the commit before their next write
	if s.publish != nil {
		s.publish(s, committed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.part = committed
		s.fromMirror = cerr != nil
		s.state = s.settledLocked()
	}
	return s.viewLocked(), cerr
}

// adopt replaces the working copy with a partition committed outside the
// session and drops batch items that are now triaged.
func (s *Session) adopt(p Partition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != p.Key {
		return
	}
	s.part = p.Clone()
	batch := s.batch[:0:0]
	for _, it := range s.batch {
		if !s.part.Contains(it.ID) {
			batch = append(batch, it)
		}
	}
	s.batch = batch
	if s.state == StateReady || s.state == StateExhausted {
		s.state = s.settledLocked()
	}
}

// cleared resets the working copy after the partition was deleted. The
// current batch stays; the next load starts from offset 0.
func (s *Session) cleared(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != key {
		return
	}
	s.part = Partition{Key: key, Kept: []Item{}, Rejected: []Item{}}
	s.seen = make(map[int64]struct{}, len(s.batch))
	for _, it := range s.batch {
		s.seen[it.ID] = struct{}{}
	}
	s.offset = 0
	s.exhausted = false
	if s.state == StateExhausted {
		s.state = StateReady
	}
}

// Close abandons any load in flight. A closed session rejects new selections.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.closed = true
	s.state = StateIdle
}

func (s *Session) settledLocked() State {
	if s.exhausted && len(s.batch) == 0 {
		return StateExhausted
	}
	return StateReady
}

// excludeLocked snapshots kept, rejected and seen ids for a cursor scan.
func (s *Session) excludeLocked() func(int64) bool {
	ids := make(map[int64]struct{}, len(s.part.Kept)+len(s.part.Rejected)+len(s.seen)+len(s.batch))
	for _, it := range s.part.Kept {
		ids[it.ID] = struct{}{}
	}
	for _, it := range s.part.Rejected {
		ids[it.ID] = struct{}{}
	}
	for id := range s.seen {
		ids[id] = struct{}{}
	}
	for _, it := range s.batch {
		ids[it.ID] = struct{}{}
	}
	return func(id int64) bool {
		_, ok := ids[id]
		return ok
	}
}
