package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/internal/server/storage"
)

const entityColumns = `
	entity_type, id, project_id, feature_area, data, content_hash,
	version, deleted, created_at, updated_at
`

// CreateEntity inserts a new entity.
// A soft-deleted row with the same key is overwritten, a live one is left alone.
func (s *Storage) CreateEntity(ctx context.Context, entity *models.ContextEntity) error {
	query := `
		INSERT INTO context_entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			project_id = excluded.project_id,
			feature_area = excluded.feature_area,
			data = excluded.data,
			content_hash = excluded.content_hash,
			version = excluded.version,
			deleted = excluded.deleted,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE context_entities.deleted = 1
	`

	res, err := s.db.ExecContext(ctx, query,
		entity.EntityType,
		entity.ID,
		entity.ProjectID,
		entity.FeatureArea,
		string(entity.Data),
		entity.ContentHash,
		entity.Version,
		boolToInt(entity.Deleted),
		entity.CreatedAt.UnixNano(),
		entity.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrEntityAlreadyExists
	}

	return nil
}

// GetEntity retrieves a single live entity
// Returns ErrEntityNotFound if entity doesn't exist or is deleted
func (s *Storage) GetEntity(ctx context.Context, entityType, id string) (*models.ContextEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM context_entities WHERE entity_type = ? AND id = ?`

	entity, err := scanEntity(s.db.QueryRowContext(ctx, query, entityType, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	if entity.Deleted {
		return nil, storage.ErrEntityNotFound
	}

	return entity, nil
}

// UpdateEntity overwrites a live entity whose stored version is expectedVersion
func (s *Storage) UpdateEntity(ctx context.Context, entity *models.ContextEntity, expectedVersion uint32) error {
	query := `
		UPDATE context_entities
		SET project_id = ?, feature_area = ?, data = ?, content_hash = ?,
		    version = ?, updated_at = ?
		WHERE entity_type = ? AND id = ? AND deleted = 0 AND version = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		entity.ProjectID,
		entity.FeatureArea,
		string(entity.Data),
		entity.ContentHash,
		entity.Version,
		entity.UpdatedAt.UnixNano(),
		entity.EntityType,
		entity.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	return s.checkVersionedWrite(ctx, res, entity)
}

// DeleteEntity soft-deletes a live entity whose stored version is expectedVersion
func (s *Storage) DeleteEntity(ctx context.Context, entity *models.ContextEntity, expectedVersion uint32) error {
	query := `
		UPDATE context_entities
		SET deleted = 1, version = ?, updated_at = ?
		WHERE entity_type = ? AND id = ? AND deleted = 0 AND version = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		entity.Version,
		entity.UpdatedAt.UnixNano(),
		entity.EntityType,
		entity.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	return s.checkVersionedWrite(ctx, res, entity)
}

// checkVersionedWrite tells a missing entity apart from a stale version
// when a guarded UPDATE touched no rows.
func (s *Storage) checkVersionedWrite(ctx context.Context, res sql.Result, entity *models.ContextEntity) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetEntity(ctx, entity.EntityType, entity.ID); err != nil {
		return err
	}
	return storage.ErrVersionMismatch
}

// ListEntities retrieves live entities of a project ordered by type and id.
// An empty entityType lists every type.
func (s *Storage) ListEntities(ctx context.Context, projectID, entityType string) ([]*models.ContextEntity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM context_entities
		WHERE project_id = ? AND deleted = 0 AND (? = '' OR entity_type = ?)
		ORDER BY entity_type, id
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, entityType, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]*models.ContextEntity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entities, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.ContextEntity, error) {
	entity := &models.ContextEntity{}
	var data string
	var deleted int
	var createdAt, updatedAt int64

	err := row.Scan(
		&entity.EntityType,
		&entity.ID,
		&entity.ProjectID,
		&entity.FeatureArea,
		&data,
		&entity.ContentHash,
		&entity.Version,
		&deleted,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entity.Data = []byte(data)
	entity.Deleted = intToBool(deleted)
	entity.CreatedAt = nanosToTime(createdAt)
	entity.UpdatedAt = nanosToTime(updatedAt)

	return entity, nil
}

// boolToInt converts bool to int for SQLite storage
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// intToBool converts int from SQLite to bool
func intToBool(i int) bool {
	return i != 0
}

// nanosToTime converts a stored unix nanosecond timestamp to UTC time
func nanosToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
