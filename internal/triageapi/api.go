// Package triageapi exposes the triage service over HTTP.
package triageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/winnow/internal/authmw"
	"github.com/linnemanlabs/winnow/internal/triage"
)

// MaxImportBytes bounds import and reconcile payloads.
const MaxImportBytes = 8 << 20

// TriageService defines the business operations triageapi needs.
type TriageService interface {
	OpenSession(ctx context.Context, key string) (*triage.Session, triage.View, error)
	Session(id string) (*triage.Session, error)
	CloseSession(ctx context.Context, id string) error

	Get(ctx context.Context, key string) (triage.Partition, error)
	Export(ctx context.Context, key string) (triage.ListsDocument, error)
	PutOne(ctx context.Context, key string, kept, rejected []triage.Item) (triage.Partition, error)
	ImportLists(ctx context.Context, key string, body []byte) (triage.Partition, error)
	Clear(ctx context.Context, key string) error
	Reconcile(ctx context.Context, key string, format triage.ImportFormat, body []byte) (triage.ReconcileReport, error)
	ListPlatforms(ctx context.Context) ([]triage.Platform, error)
}

// PartitionResponse is a partition as committed. Warning is set when the
// write only reached the local mirror.
type PartitionResponse struct {
	triage.Partition
	Warning string `json:"warning,omitempty"`
}

// ReconcileResponse is a reconcile report plus an optional commit warning.
type ReconcileResponse struct {
	triage.ReconcileReport
	Warning string `json:"warning,omitempty"`
}

// SessionResponse is a session view plus an optional commit warning.
type SessionResponse struct {
	triage.View
	Warning string `json:"warning,omitempty"`
}

// PartitionRequest selects a partition for a session.
type PartitionRequest struct {
	Partition string `json:"partition"`
}

// ActionRequest applies a decision to one item. From and To are read for undo.
type ActionRequest struct {
	ItemID int64  `json:"item_id"`
	Action string `json:"action"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
	token  string
}

// New creates a new API handler. Mutating routes require token as a bearer
// credential when it is non-empty.
func New(logger log.Logger, svc TriageService, token string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		token:  token,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/platforms", a.handleListPlatforms)
		r.Get("/partitions/{key}", a.handleGetPartition)
		r.Get("/partitions/{key}/export", a.handleExport)
		r.Get("/sessions/{id}", a.handleGetSession)

		r.Group(func(r chi.Router) {
			if a.token != "" {
				r.Use(authmw.BearerToken(a.token))
			}
			r.Put("/partitions/{key}", a.handlePutPartition)
			r.Delete("/partitions/{key}", a.handleClearPartition)
			r.Post("/partitions/{key}/import", a.handleImport)
			r.Post("/partitions/{key}/reconcile", a.handleReconcile)

			r.Post("/sessions", a.handleOpenSession)
			r.Delete("/sessions/{id}", a.handleCloseSession)
			r.Post("/sessions/{id}/partition", a.handleSelectPartition)
			r.Post("/sessions/{id}/actions", a.handleAction)
			r.Post("/sessions/{id}/items/{itemID}/collected", a.handleToggleCollected)
			r.Post("/sessions/{id}/more", a.handleLoadMore)
			r.Post("/sessions/{id}/reset", a.handleReset)
		})
	})
}

func (a *API) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	platforms, err := a.svc.ListPlatforms(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, platforms)
}

func (a *API) handleGetPartition(w http.ResponseWriter, r *http.Request) {
	key := partitionKey(r)
	p, err := a.svc.Get(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PartitionResponse{Partition: p})
}

func (a *API) handlePutPartition(w http.ResponseWriter, r *http.Request) {
	key := partitionKey(r)
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	kept, rejected, err := triage.ParseLists(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.svc.PutOne(r.Context(), key, kept, rejected)
	a.writePartition(w, r, p, err)
}

func (a *API) handleClearPartition(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Clear(r.Context(), partitionKey(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	key := partitionKey(r)
	doc, err := a.svc.Export(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="partition-%s.json"`, key))
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	key := partitionKey(r)
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	p, err := a.svc.ImportLists(r.Context(), key, body)
	a.writePartition(w, r, p, err)
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	key := partitionKey(r)
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}

	var (
		format triage.ImportFormat
		err    error
	)
	if f := r.URL.Query().Get("format"); f != "" {
		format, err = triage.ParseFormat(f)
	} else {
		format, err = triage.DetectFormat(r.Header.Get("Content-Type"), body)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("winnow.import.format", string(format)))

	report, err := a.svc.Reconcile(r.Context(), key, format, body)
	resp := ReconcileResponse{ReconcileReport: report}
	if err != nil {
		var warn *triage.CommitWarning
		if !errors.As(err, &warn) {
			a.writeError(w, r, err)
			return
		}
		resp.Warning = warn.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req PartitionRequest
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid json: " + err.Error(), Code: "bad_request"})
			return
		}
	}
	sess, view, err := a.svc.OpenSession(r.Context(), req.Partition)
	if sess != nil {
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("winnow.session.id", sess.ID()))
		// the session stays registered even when its first load fails
		w.Header().Set("Location", "/api/v1/sessions/"+sess.ID())
	}
	a.writeView(w, r, http.StatusCreated, view, err)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{View: sess.View()})
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.CloseSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSelectPartition(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	var req PartitionRequest
	if !a.decode(w, r, &req) {
		return
	}
	view, err := sess.SelectPartition(r.Context(), req.Partition)
	a.writeView(w, r, http.StatusOK, view, err)
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	d, err := triage.ParseDecision(req.Action, req.From, req.To)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("winnow.decision", d.String()),
		attribute.Int64("winnow.item.id", req.ItemID),
	)
	view, err := sess.Act(r.Context(), req.ItemID, d)
	a.writeView(w, r, http.StatusOK, view, err)
}

func (a *API) handleToggleCollected(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "item id must be an integer", Code: "bad_request"})
		return
	}
	view, err := sess.ToggleCollected(r.Context(), itemID)
	a.writeView(w, r, http.StatusOK, view, err)
}

func (a *API) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.LoadMore(r.Context())
	a.writeView(w, r, http.StatusOK, view, err)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	view, err := sess.Reset(r.Context())
	a.writeView(w, r, http.StatusOK, view, err)
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*triage.Session, bool) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("winnow.session.id", id))
	sess, err := a.svc.Session(id)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

func partitionKey(r *http.Request) string {
	key := chi.URLParam(r, "key")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("winnow.partition", key))
	return key
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImportBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large", Code: "too_large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "read request body", Code: "bad_request"})
		return nil, false
	}
	return body, true
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid json: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

// writeView answers a session call. A commit warning still carries the updated view.
func (a *API) writeView(w http.ResponseWriter, r *http.Request, status int, view triage.View, err error) {
	resp := SessionResponse{View: view}
	if err != nil {
		var warn *triage.CommitWarning
		if !errors.As(err, &warn) {
			a.writeError(w, r, err)
			return
		}
		resp.Warning = warn.Error()
	}
	writeJSON(w, status, resp)
}

func (a *API) writePartition(w http.ResponseWriter, r *http.Request, p triage.Partition, err error) {
	resp := PartitionResponse{Partition: p}
	if err != nil {
		var warn *triage.CommitWarning
		if !errors.As(err, &warn) {
			a.writeError(w, r, err)
			return
		}
		resp.Warning = warn.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, "triage request failed", "path", r.URL.Path, "status", status)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
