package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable means the catalog or the entity store could not be
	// reached. Callers retry or fall back to the mirror; it is never destructive.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidImportFormat rejects a malformed import payload as a whole.
	ErrInvalidImportFormat = errors.New("invalid import format")

	// ErrNoConfidentMatch means no search candidate scored above MatchThreshold.
	ErrNoConfidentMatch = errors.New("no confident match")

	// ErrInvalidState is returned for an operation the session's state does not allow.
	ErrInvalidState = errors.New("invalid session state")

	// ErrItemNotFound means the item is not in the list the operation targets.
	ErrItemNotFound = errors.New("item not found")

	// ErrNoPartition means the session has no partition selected.
	ErrNoPartition = errors.New("no partition selected")

	// ErrSessionNotFound means the session id is unknown to the service.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidDecision means a decision string or list name could not be resolved.
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrSuperseded means a newer partition selection replaced the call's work,
	// which was discarded.
	ErrSuperseded = errors.New("superseded by a newer partition selection")
)

// CommitWarning reports a triage decision that was applied in memory but could
// not be committed to the entity store. The partition was written to the local
// mirror instead, so the record might not be saved.
type CommitWarning struct {
	Partition string
	Err       error
}

func (w *CommitWarning) Error() string {
	return fmt.Sprintf("partition %s might not be saved: %v", w.Partition, w.Err)
}

func (w *CommitWarning) Unwrap() error { return w.Err }

// Unavailable wraps err so that errors.Is(err, ErrUpstreamUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}
