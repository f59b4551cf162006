package storage

import (
	"context"

	"github.com/iudanet/ctxsync/internal/models"
)

// ConflictStorage defines interface for the conflict audit log
type ConflictStorage interface {
	// SaveConflict creates or replaces the audit record of a conflict
	SaveConflict(ctx context.Context, info *models.ConflictInfo) error

	// GetConflict retrieves an audit record by conflict id
	// Returns ErrConflictNotFound if it doesn't exist
	GetConflict(ctx context.Context, conflictID string) (*models.ConflictInfo, error)

	// ListConflicts retrieves the audit records of a project, oldest first
	// Returns empty slice if no conflicts found
	ListConflicts(ctx context.Context, projectID string) ([]*models.ConflictInfo, error)
}
