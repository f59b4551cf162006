package storage

import (
	"context"
	"time"
)

// MetadataStorage defines interface for storing client metadata
type MetadataStorage interface {
	// SaveLastSync saves the time the last change was applied
	SaveLastSync(ctx context.Context, ts time.Time) error

	// GetLastSync returns the zero time if nothing was synced yet
	GetLastSync(ctx context.Context) (time.Time, error)
}
