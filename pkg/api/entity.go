package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
)

// EntityRequest creates, updates or deletes one entity.
// For update and delete BaseVersion is the version the client last saw.
type EntityRequest struct {
	Timestamp   time.Time       `json:"timestamp,omitempty"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	ProjectID   string          `json:"project_id"`
	FeatureArea string          `json:"feature_area,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	ClientID    uuid.UUID       `json:"client_id"`
	BaseVersion uint32          `json:"base_version"`
}

// WriteResponse is the outcome of an accepted entity write
type WriteResponse struct {
	Entity   *models.ContextEntity `json:"entity,omitempty"`
	Change   *models.ContextChange `json:"change,omitempty"`
	Conflict *models.ConflictInfo  `json:"conflict,omitempty"`
}

// BulkItem is one entity of a bulk upsert
type BulkItem struct {
	EntityID string          `json:"entity_id"`
	Data     json.RawMessage `json:"data"`
}

// BulkRequest upserts many entities of one type
type BulkRequest struct {
	EntityType  string     `json:"entity_type"`
	ProjectID   string     `json:"project_id"`
	FeatureArea string     `json:"feature_area,omitempty"`
	Items       []BulkItem `json:"items"`
	ClientID    uuid.UUID  `json:"client_id"`
}

// BulkResponse summarizes a bulk upsert
type BulkResponse struct {
	Change    *models.ContextChange `json:"change,omitempty"`
	Created   []string              `json:"created"`
	Updated   []string              `json:"updated"`
	Unchanged []string              `json:"unchanged"`
}
