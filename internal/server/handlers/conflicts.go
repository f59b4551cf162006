package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/internal/server/storage"
	"github.com/iudanet/ctxsync/pkg/api"
)

// ConflictHandler exposes conflict inspection and resolution.
// Live conflicts come from the engine, older ones from the audit log.
type ConflictHandler struct {
	logger *slog.Logger
	engine *conflict.Engine
	audit  storage.ConflictStorage
}

// NewConflictHandler creates a new conflict handler
func NewConflictHandler(logger *slog.Logger, engine *conflict.Engine, audit storage.ConflictStorage) *ConflictHandler {
	return &ConflictHandler{
		logger: logger,
		engine: engine,
		audit:  audit,
	}
}

// List обрабатывает GET /api/v1/conflicts?project_id=&state=active|resolved|audit
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project_id")

	var conflicts []*models.ConflictInfo
	switch state := q.Get("state"); state {
	case "", api.ConflictStateActive:
		conflicts = h.engine.GetActiveConflicts(projectID)
	case api.ConflictStateResolved:
		conflicts = h.engine.GetResolvedConflicts(projectID)
	case api.ConflictStateAudit:
		if projectID == "" {
			writeError(h.logger, w, http.StatusBadRequest, "project_id is required for audit", nil)
			return
		}
		var err error
		if conflicts, err = h.audit.ListConflicts(r.Context(), projectID); err != nil {
			writeServiceError(h.logger, w, err)
			return
		}
	default:
		writeError(h.logger, w, http.StatusBadRequest, "unknown state "+state, nil)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, conflicts)
}

// Get обрабатывает GET /api/v1/conflicts/{id}
func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	info, err := h.engine.GetConflict(id)
	if errors.Is(err, conflict.ErrConflictNotFound) {
		info, err = h.audit.GetConflict(r.Context(), id)
	}
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, info)
}

// Resolve обрабатывает POST /api/v1/conflicts/{id}/resolve
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.engine.ResolveConflict(r.Context(), r.PathValue("id"), req.Strategy, h.resolver(r, req.ResolvedBy))
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, result)
}

// Manual обрабатывает POST /api/v1/conflicts/{id}/manual
func (h *ConflictHandler) Manual(w http.ResponseWriter, r *http.Request) {
	var req models.ManualResolutionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.ConflictID = r.PathValue("id")
	req.ResolvedBy = h.resolver(r, req.ResolvedBy)

	result, err := h.engine.ResolveConflictManually(r.Context(), req)
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, result)
}

// Cleanup обрабатывает POST /api/v1/conflicts/cleanup
func (h *ConflictHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req api.CleanupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.OlderThan.IsZero() {
		req.OlderThan = time.Now().UTC()
	}

	removed := h.engine.CleanupResolvedConflicts(req.OlderThan)
	writeJSON(h.logger, w, http.StatusOK, api.CleanupResponse{Removed: removed})
}

// resolver prefers the authenticated username over a caller supplied name.
func (h *ConflictHandler) resolver(r *http.Request, fallback string) string {
	if username, ok := GetUsername(r.Context()); ok && username != "" {
		return username
	}
	return fallback
}

// Stats обрабатывает GET /api/v1/conflicts/stats
func (h *ConflictHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, h.engine.Stats())
}
