package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
)

// ReplicaStorage keeps the changes received from the server and the latest
// known state of every entity they touched.
type ReplicaStorage interface {
	// ApplyChange records change. It reports false when the change was
	// already applied. Entity state only moves forward in version.
	ApplyChange(ctx context.Context, change models.ContextChange) (bool, error)

	// GetEntity returns ErrEntityNotFound for unknown entities
	GetEntity(ctx context.Context, entityType, entityID string) (*ReplicaEntity, error)

	// ListEntities returns entities of projectID, or of every project when
	// projectID is empty. Deleted entities are included.
	ListEntities(ctx context.Context, projectID string) ([]*ReplicaEntity, error)

	// ListChanges returns received changes in arrival order, at most limit
	// of the most recent ones when limit is positive.
	ListChanges(ctx context.Context, limit int) ([]models.ContextChange, error)
}

// ReplicaEntity is the local view of one entity
type ReplicaEntity struct {
	UpdatedAt    time.Time       `json:"updated_at"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	ProjectID    string          `json:"project_id"`
	FeatureArea  string          `json:"feature_area,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	LastChangeID uuid.UUID       `json:"last_change_id"`
	Version      uint32          `json:"version"`
	Deleted      bool            `json:"deleted"`
}
