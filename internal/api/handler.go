package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/ibis/internal/allocation"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/health"
	"github.com/opensource-finance/ibis/internal/ingest"
	"github.com/opensource-finance/ibis/internal/queues"
	"github.com/opensource-finance/ibis/internal/settings"
)

// Dependencies bundles the services the handlers delegate to.
type Dependencies struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Pipeline   *ingest.Pipeline
	Allocation *allocation.Service
	Settings   *settings.Service
	Queues     *queues.Service
	Health     *health.Service
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Dependencies
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps}
}

// IngestMessage handles POST /messages: store the raw SMS and run it through
// the pipeline. Returns 201 with the stored message and, when parsing
// succeeded, the created transaction.
func (h *Handler) IngestMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	institutionID := GetInstitutionID(ctx)

	var req domain.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	msg, tx, err := h.deps.Pipeline.Ingest(ctx, institutionID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":     msg,
		"transaction": tx,
	})
}

// GetMessage handles GET /messages/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := h.deps.Repo.GetRawMessage(ctx, GetInstitutionID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// ResolveMessage handles POST /messages/{id}/resolve: close a parse-error
// queue item with an operator note.
func (h *Handler) ResolveMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	institutionID := GetInstitutionID(ctx)
	msgID := chi.URLParam(r, "id")

	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	if err := h.deps.Queues.ResolveParseError(ctx, institutionID, msgID, req.Note); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.deps.Repo.GetRawMessage(ctx, institutionID, msgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// UnallocatedQueue handles GET /queues/unallocated.
func (h *Handler) UnallocatedQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := listQuery(r)

	items, err := h.deps.Queues.Unallocated(ctx, GetInstitutionID(ctx), q)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"count":  len(items),
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// ParseErrorsQueue handles GET /queues/parse-errors.
func (h *Handler) ParseErrorsQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := listQuery(r)

	items, err := h.deps.Queues.ParseErrors(ctx, GetInstitutionID(ctx), q)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"count":  len(items),
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// DuplicatesQueue handles GET /queues/duplicates: cluster summaries without
// full transaction records.
func (h *Handler) DuplicatesQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clusters, err := h.deps.Queues.Duplicates(ctx, GetInstitutionID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

// ExpandDuplicate handles GET /queues/duplicates/{matchKey}: one cluster with
// its member transactions loaded.
func (h *Handler) ExpandDuplicate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cluster, err := h.deps.Queues.ExpandDuplicate(ctx, GetInstitutionID(ctx), chi.URLParam(r, "matchKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, err := h.deps.Repo.GetTransaction(ctx, GetInstitutionID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// AllocateRequest is the request body for POST /transactions/{id}/allocate.
type AllocateRequest struct {
	TargetKind string `json:"targetKind"`
	TargetID   string `json:"targetId"`
}

// AllocateTransaction handles POST /transactions/{id}/allocate. On conflict
// the caller gets 409 and must re-fetch the transaction's canonical state.
func (h *Handler) AllocateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	institutionID := GetInstitutionID(ctx)

	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	tx, err := h.deps.Allocation.Allocate(ctx, institutionID, chi.URLParam(r, "id"), domain.AllocationTarget{
		Kind: domain.TargetKind(req.TargetKind),
		ID:   req.TargetID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h.deps.Queues.InvalidateDuplicates(ctx, institutionID)
	writeJSON(w, http.StatusOK, tx)
}

// ReverseRequest is the request body for POST /transactions/{id}/reverse.
type ReverseRequest struct {
	Reason string `json:"reason"`
}

// ReverseTransaction handles POST /transactions/{id}/reverse.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	institutionID := GetInstitutionID(ctx)

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	tx, err := h.deps.Allocation.Reverse(ctx, institutionID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	h.deps.Queues.InvalidateDuplicates(ctx, institutionID)
	writeJSON(w, http.StatusOK, tx)
}

// DismissDuplicate handles POST /transactions/{id}/dismiss-duplicate.
func (h *Handler) DismissDuplicate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	institutionID := GetInstitutionID(ctx)
	txID := chi.URLParam(r, "id")

	if err := h.deps.Allocation.DismissDuplicate(ctx, institutionID, txID); err != nil {
		writeError(w, err)
		return
	}

	h.deps.Queues.InvalidateDuplicates(ctx, institutionID)

	tx, err := h.deps.Repo.GetTransaction(ctx, institutionID, txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetParsingSettings handles GET /settings/parsing.
func (h *Handler) GetParsingSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := h.deps.Settings.Get(ctx, GetInstitutionID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateParsingSettings handles PUT /settings/parsing. Validation failures
// return 400 naming the offending field; nothing is persisted.
func (h *Handler) UpdateParsingSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req settings.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	cfg, err := h.deps.Settings.Update(ctx, GetInstitutionID(ctx), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SystemHealth handles GET /system/health: the institution-scoped
// operational summary.
func (h *Handler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, h.deps.Health.Summary(ctx, GetInstitutionID(ctx)))
}

// Health returns server liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.deps.Version,
	})
}

// Ready returns readiness: all hard dependencies reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listQuery extracts the shared search/pagination parameters.
func listQuery(r *http.Request) domain.ListQuery {
	q := domain.ListQuery{
		Search: r.URL.Query().Get("search"),
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		q.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		q.Offset = v
	}
	return q
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrCrossInstitution):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyAllocated), errors.Is(err, domain.ErrNotAllocated):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
