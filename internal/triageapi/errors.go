package triageapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/linnemanlabs/winnow/internal/triage"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type errorCode struct {
	err    error
	code   string
	status int
}

// first match wins; ErrSuperseded before ErrInvalidState keeps the finer code
var errorCodes = []errorCode{
	{triage.ErrSessionNotFound, "session_not_found", http.StatusNotFound},
	{triage.ErrItemNotFound, "item_not_found", http.StatusNotFound},
	{triage.ErrSuperseded, "superseded", http.StatusConflict},
	{triage.ErrInvalidState, "invalid_state", http.StatusConflict},
	{triage.ErrInvalidDecision, "invalid_decision", http.StatusBadRequest},
	{triage.ErrInvalidImportFormat, "invalid_import_format", http.StatusBadRequest},
	{triage.ErrNoPartition, "no_partition", http.StatusBadRequest},
	{triage.ErrUpstreamUnavailable, "upstream_unavailable", http.StatusServiceUnavailable},
	{context.DeadlineExceeded, "timeout", http.StatusGatewayTimeout},
}

// classify maps a service error to its status and code.
func classify(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// Sentinel returns the triage error a response code stands for, or nil.
func Sentinel(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
