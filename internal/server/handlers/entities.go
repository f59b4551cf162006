package handlers

import (
	"log/slog"
	"net/http"

	"github.com/iudanet/ctxsync/internal/knowledge"
	"github.com/iudanet/ctxsync/pkg/api"
)

// EntityHandler exposes the knowledge write path over HTTP
type EntityHandler struct {
	logger *slog.Logger
	svc    *knowledge.Service
}

// NewEntityHandler creates a new entity handler
func NewEntityHandler(logger *slog.Logger, svc *knowledge.Service) *EntityHandler {
	return &EntityHandler{
		logger: logger,
		svc:    svc,
	}
}

// List обрабатывает GET /api/v1/entities?project_id=&entity_type=
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entities, err := h.svc.List(r.Context(), q.Get("project_id"), q.Get("entity_type"))
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, entities)
}

// Get обрабатывает GET /api/v1/entities/{type}/{id}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	entity, err := h.svc.Get(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, entity)
}

// Create обрабатывает POST /api/v1/entities
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Create(r.Context(), req)
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusCreated, toWriteResponse(res))
}

// Update обрабатывает PUT /api/v1/entities/{type}/{id}
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Update(r.Context(), req)
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, toWriteResponse(res))
}

// Delete обрабатывает DELETE /api/v1/entities/{type}/{id}
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Delete(r.Context(), req)
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, toWriteResponse(res))
}

// Bulk обрабатывает POST /api/v1/entities/bulk
func (h *EntityHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req api.BulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	items := make([]knowledge.BulkItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, knowledge.BulkItem{EntityID: item.EntityID, Data: item.Data})
	}

	userID, _ := GetUserID(r.Context())
	res, err := h.svc.BulkUpsert(r.Context(), knowledge.BulkRequest{
		EntityType:  req.EntityType,
		ProjectID:   req.ProjectID,
		FeatureArea: req.FeatureArea,
		UserID:      userID,
		Items:       items,
		ClientID:    req.ClientID,
	})
	if err != nil {
		writeServiceError(h.logger, w, err)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, api.BulkResponse{
		Change:    res.Change,
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
	})
}

// decodeWrite reads an EntityRequest. Path values, when present, override
// the body; the authenticated user overrides any user in the request.
func (h *EntityHandler) decodeWrite(w http.ResponseWriter, r *http.Request) (knowledge.WriteRequest, bool) {
	var body api.EntityRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return knowledge.WriteRequest{}, false
	}

	if t := r.PathValue("type"); t != "" {
		body.EntityType = t
	}
	if id := r.PathValue("id"); id != "" {
		body.EntityID = id
	}

	userID, _ := GetUserID(r.Context())

	return knowledge.WriteRequest{
		Timestamp:   body.Timestamp,
		EntityType:  body.EntityType,
		EntityID:    body.EntityID,
		ProjectID:   body.ProjectID,
		FeatureArea: body.FeatureArea,
		UserID:      userID,
		Data:        body.Data,
		ClientID:    body.ClientID,
		BaseVersion: body.BaseVersion,
	}, true
}

func toWriteResponse(res *knowledge.WriteResult) api.WriteResponse {
	return api.WriteResponse{
		Entity:   res.Entity,
		Change:   res.Change,
		Conflict: res.Conflict,
	}
}
