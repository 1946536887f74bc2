// Package triage provides the business boundary for Winnow's catalog triage system.
// It defines the Store and Mirror interfaces (persistence), the Cursor (resumable
// deduplicating catalog scan), the Matcher (fuzzy reconciliation of foreign lists),
// the Session state machine and the Service that serializes work per partition.
package triage
