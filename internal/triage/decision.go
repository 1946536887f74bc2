package triage

import (
	"fmt"
	"strings"
)

// List names where an item can live within a session.
type List string

const (
	// ListKept is the durable kept set.
	ListKept List = "kept"

	// ListRejected is the durable rejected set.
	ListRejected List = "rejected"

	// ListPending is the session's current batch of untriaged items.
	ListPending List = "pending"
)

// ParseList resolves a list name, accepting the legacy favorites/deleted aliases.
func ParseList(s string) (List, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kept", "keep", "favorites":
		return ListKept, nil
	case "rejected", "reject", "deleted":
		return ListRejected, nil
	case "pending", "batch":
		return ListPending, nil
	}
	return "", fmt.Errorf("%w: unknown list %q", ErrInvalidDecision, s)
}

// DecisionKind tags a Decision.
type DecisionKind int

const (
	DecisionKeep DecisionKind = iota + 1
	DecisionReject
	DecisionUndo
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionKeep:
		return "keep"
	case DecisionReject:
		return "reject"
	case DecisionUndo:
		return "undo"
	}
	return "unknown"
}

// Decision is a closed variant: Keep, Reject, or Undo(From, To). Build one
// with Keep, Reject or UndoTo; the zero value is invalid.
type Decision struct {
	kind DecisionKind
	from List
	to   List
}

// Keep moves a pending item into the kept set.
func Keep() Decision { return Decision{kind: DecisionKeep} }

// Reject moves a pending item into the rejected set.
func Reject() Decision { return Decision{kind: DecisionReject} }

// UndoTo moves an item out of a durable list, either to the other durable
// list or back to the front of the pending batch.
func UndoTo(from, to List) (Decision, error) {
	if from != ListKept && from != ListRejected {
		return Decision{}, fmt.Errorf("%w: undo from %q", ErrInvalidDecision, from)
	}
	if to != ListKept && to != ListRejected && to != ListPending {
		return Decision{}, fmt.Errorf("%w: undo to %q", ErrInvalidDecision, to)
	}
	if from == to {
		return Decision{}, fmt.Errorf("%w: undo from and to are both %q", ErrInvalidDecision, from)
	}
	return Decision{kind: DecisionUndo, from: from, to: to}, nil
}

// Kind returns the decision's tag.
func (d Decision) Kind() DecisionKind { return d.kind }

// From returns the source list of an Undo decision.
func (d Decision) From() List { return d.from }

// To returns the target list of an Undo decision.
func (d Decision) To() List { return d.to }

func (d Decision) String() string {
	if d.kind == DecisionUndo {
		return fmt.Sprintf("undo(%s->%s)", d.from, d.to)
	}
	return d.kind.String()
}

// ParseDecision resolves the loose action strings used by clients
// ("save", "delete", "revert" and their keep/reject/undo spellings). from and
// to are only read for undo; a revert without a target returns the item to
// the pending batch.
func ParseDecision(action, from, to string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "keep", "save", "favorite":
		return Keep(), nil
	case "reject", "delete":
		return Reject(), nil
	case "undo", "revert":
		f, err := ParseList(from)
		if err != nil {
			return Decision{}, err
		}
		t := ListPending
		if strings.TrimSpace(to) != "" {
			if t, err = ParseList(to); err != nil {
				return Decision{}, err
			}
		}
		return UndoTo(f, t)
	}
	return Decision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, action)
}
