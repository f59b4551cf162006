package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/internal/server/storage"
)

// SaveConflict upserts the audit record of a conflict.
// The whole ConflictInfo is kept as JSON, the indexed columns mirror it.
func (s *Storage) SaveConflict(ctx context.Context, info *models.ConflictInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}

	var resolvedAt sql.NullInt64
	if info.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: info.ResolvedAt.UnixNano(), Valid: true}
	}

	query := `
		INSERT INTO conflicts (
			conflict_id, project_id, entity_type, entity_id,
			conflict_type, payload, detected_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conflict_id) DO UPDATE SET
			payload = excluded.payload,
			resolved_at = excluded.resolved_at
	`

	_, err = s.db.ExecContext(ctx, query,
		info.ConflictID,
		info.ProjectID,
		info.EntityType,
		info.EntityID,
		string(info.ConflictType),
		string(payload),
		info.DetectedAt.UnixNano(),
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}

	return nil
}

// RecordConflict persists a freshly detected or resolved conflict.
// It lets the storage act as the conflict engine's recorder.
func (s *Storage) RecordConflict(ctx context.Context, info *models.ConflictInfo) error {
	if err := s.SaveConflict(ctx, info); err != nil {
		return err
	}
	s.logger.Debug("Conflict recorded",
		"conflict_id", info.ConflictID,
		"type", info.ConflictType,
		"resolved", info.IsResolved())
	return nil
}

// GetConflict retrieves an audit record by id
// Returns ErrConflictNotFound if it doesn't exist
func (s *Storage) GetConflict(ctx context.Context, conflictID string) (*models.ConflictInfo, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM conflicts WHERE conflict_id = ?`, conflictID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	return decodeConflict(payload)
}

// ListConflicts retrieves the audit records of a project, oldest first
func (s *Storage) ListConflicts(ctx context.Context, projectID string) ([]*models.ConflictInfo, error) {
	query := `
		SELECT payload FROM conflicts
		WHERE project_id = ?
		ORDER BY detected_at ASC, conflict_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]*models.ConflictInfo, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		info, err := decodeConflict(payload)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return conflicts, nil
}

func decodeConflict(payload string) (*models.ConflictInfo, error) {
	info := &models.ConflictInfo{}
	if err := json.Unmarshal([]byte(payload), info); err != nil {
		return nil, fmt.Errorf("failed to decode conflict: %w", err)
	}
	return info, nil
}
