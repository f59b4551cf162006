package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/knowledge"
	"github.com/iudanet/ctxsync/internal/server/storage"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
	"github.com/iudanet/ctxsync/pkg/api"
)

// maxBodyBytes limits request bodies
const maxBodyBytes = 4 << 20

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(logger *slog.Logger, w http.ResponseWriter, status int, msg string, err error) {
	resp := api.ErrorResponse{Error: msg}
	if err != nil {
		resp.Message = err.Error()
	}
	writeJSON(logger, w, status, resp)
}

// writeServiceError maps domain errors to HTTP status codes.
func writeServiceError(logger *slog.Logger, w http.ResponseWriter, err error) {
	var conflictErr *knowledge.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		writeJSON(logger, w, http.StatusConflict, api.ErrorResponse{
			Error:    "conflict",
			Message:  err.Error(),
			Conflict: conflictErr.Conflict,
		})
	case errors.Is(err, knowledge.ErrNotFound),
		errors.Is(err, conflict.ErrConflictNotFound),
		errors.Is(err, storage.ErrConflictNotFound),
		errors.Is(err, ctxsync.ErrSubscriptionNotFound):
		writeError(logger, w, http.StatusNotFound, "not found", err)
	case errors.Is(err, knowledge.ErrAlreadyExists),
		errors.Is(err, knowledge.ErrConflict),
		errors.Is(err, conflict.ErrConflictAlreadyResolved):
		writeError(logger, w, http.StatusConflict, "conflict", err)
	case errors.Is(err, knowledge.ErrInvalidRequest),
		errors.Is(err, conflict.ErrUnknownStrategy),
		errors.Is(err, conflict.ErrManualResolutionRequired),
		errors.Is(err, conflict.ErrNothingToMerge),
		errors.Is(err, ctxsync.ErrInvalidChange):
		writeError(logger, w, http.StatusBadRequest, "bad request", err)
	default:
		logger.Error("Request failed", "error", err)
		writeError(logger, w, http.StatusInternalServerError, "internal server error", nil)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func parseClientID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.URL.Query().Get("client_id"))
}
