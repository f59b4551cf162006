package storage

import (
	"context"

	"github.com/iudanet/ctxsync/internal/models"
)

// EntityStorage defines interface for context entity persistence
type EntityStorage interface {
	// CreateEntity inserts a new entity.
	// A soft-deleted entity with the same key is replaced.
	// Returns ErrEntityAlreadyExists if a live entity has the same key
	CreateEntity(ctx context.Context, entity *models.ContextEntity) error

	// GetEntity retrieves a live entity by type and id
	// Returns ErrEntityNotFound if entity doesn't exist or is deleted
	GetEntity(ctx context.Context, entityType, id string) (*models.ContextEntity, error)

	// UpdateEntity stores entity if the stored version still equals expectedVersion
	// Returns ErrVersionMismatch if another write got there first
	UpdateEntity(ctx context.Context, entity *models.ContextEntity, expectedVersion uint32) error

	// DeleteEntity marks entity as deleted (soft delete), storing its final version
	// Returns ErrEntityNotFound if entity doesn't exist
	DeleteEntity(ctx context.Context, entity *models.ContextEntity, expectedVersion uint32) error

	// ListEntities retrieves live entities of a project, optionally of one type
	// Returns empty slice if no entities found
	ListEntities(ctx context.Context, projectID, entityType string) ([]*models.ContextEntity, error)
}
