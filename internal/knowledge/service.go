// Package knowledge implements the write path of tracked context entities:
// persistence, conflict checks and change publication.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/crypto"
	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/internal/server/storage"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
	"github.com/iudanet/ctxsync/internal/validation"
)

// AutoResolver is recorded as the resolver of conflicts settled on the write path.
const AutoResolver = "system:auto-resolve"

// WriteRequest describes a single entity write.
type WriteRequest struct {
	Timestamp   time.Time       `json:"timestamp,omitempty"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	ProjectID   string          `json:"project_id"`
	FeatureArea string          `json:"feature_area,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	ClientID    uuid.UUID       `json:"client_id"`
	BaseVersion uint32          `json:"base_version"`
}

// WriteResult is the outcome of an accepted write.
// Change is nil when the write did not modify the entity.
type WriteResult struct {
	Entity   *models.ContextEntity `json:"entity,omitempty"`
	Change   *models.ContextChange `json:"change,omitempty"`
	Conflict *models.ConflictInfo  `json:"conflict,omitempty"`
}

// BulkItem is one entity of a bulk upsert.
type BulkItem struct {
	EntityID string          `json:"entity_id"`
	Data     json.RawMessage `json:"data"`
}

// BulkRequest upserts many entities of one type and announces them with a
// single bulk change.
type BulkRequest struct {
	EntityType  string     `json:"entity_type"`
	ProjectID   string     `json:"project_id"`
	FeatureArea string     `json:"feature_area,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Items       []BulkItem `json:"items"`
	ClientID    uuid.UUID  `json:"client_id"`
}

// BulkResult summarizes a bulk upsert.
type BulkResult struct {
	Change    *models.ContextChange `json:"change,omitempty"`
	Created   []string              `json:"created"`
	Updated   []string              `json:"updated"`
	Unchanged []string              `json:"unchanged"`
}

// Service is the entity write path.
type Service struct {
	store     storage.EntityStorage
	engine    *ctxsync.Engine
	conflicts *conflict.Engine
	logger    *slog.Logger
	now       func() time.Time

	// serializes read-check-write sequences
	mu sync.Mutex
}

// NewService creates a knowledge service.
func NewService(store storage.EntityStorage, engine *ctxsync.Engine, conflicts *conflict.Engine, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		engine:    engine,
		conflicts: conflicts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a live entity.
func (s *Service) Get(ctx context.Context, entityType, entityID string) (*models.ContextEntity, error) {
	entity, err := s.store.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return entity, nil
}

// List returns the live entities of a project, optionally of one type.
func (s *Service) List(ctx context.Context, projectID, entityType string) ([]*models.ContextEntity, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}

	entities, err := s.store.ListEntities(ctx, projectID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return entities, nil
}

// Create stores a new entity at version 1 and publishes a create change.
func (s *Service) Create(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := validateWrite(req, true); err != nil {
		return nil, err
	}

	hash, err := crypto.HashContent(req.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	change, err := s.engine.ChangeDetector().BuildCreated(ref(req), req.Data, req.ClientID, changeOpts(req, 1)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	now := s.now()
	entity := &models.ContextEntity{
		ID:          req.EntityID,
		EntityType:  req.EntityType,
		ProjectID:   req.ProjectID,
		FeatureArea: req.FeatureArea,
		Data:        change.FullEntity,
		ContentHash: hash,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateEntity(ctx, entity); err != nil {
		return nil, mapStorageError(err)
	}

	s.publish(ctx, change)

	return &WriteResult{Entity: entity, Change: &change}, nil
}

// Update applies req.Data to an entity the client last saw at req.BaseVersion.
//
// A detected conflict is settled with the configured default strategy. The
// write goes ahead with the resolved entity unless the resolution discarded
// it; a discarded write or a conflict left for manual resolution is returned
// as *ConflictError.
func (s *Service) Update(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := validateWrite(req, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetEntity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, mapStorageError(err)
	}

	detector := s.engine.ChangeDetector()
	incoming, err := detector.BuildUpdated(ref(req), current.Data, req.Data, req.ClientID, changeOpts(req, req.BaseVersion)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	data := incoming.FullEntity
	info, result, err := s.checkConflict(ctx, incoming, current)
	if err != nil {
		return nil, err
	}
	if result != nil && len(result.ResolvedEntity) > 0 {
		data = result.ResolvedEntity
		if result.StrategyUsed == models.StrategyAutoMerge {
			if data, err = conflict.MergeJSON(current.Data, data); err != nil {
				return nil, fmt.Errorf("failed to merge into current entity: %w", err)
			}
		}
	}

	hash, err := crypto.HashContent(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if hash == current.ContentHash {
		s.logger.Debug("Entity unchanged, skipping write",
			"entity", current.Key(),
			"version", current.Version)
		return &WriteResult{Entity: current, Conflict: info}, nil
	}

	next := current.Clone()
	next.Data = data
	next.ContentHash = hash
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	if req.FeatureArea != "" {
		next.FeatureArea = req.FeatureArea
	}

	if err := s.store.UpdateEntity(ctx, next, current.Version); err != nil {
		return nil, mapStorageError(err)
	}

	change := incoming.WithVersion(next.Version)
	if info != nil {
		// the published change describes the stored result, not the raw request
		change, err = detector.BuildUpdated(ref(req), current.Data, data, req.ClientID, changeOpts(req, next.Version)...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		change = change.WithConflictResolution(models.ConflictResolution{
			Strategy:        result.StrategyUsed,
			ResolvedBy:      AutoResolver,
			OriginalChanges: info.ChangeIDs(),
		})
	}

	s.publish(ctx, change)

	return &WriteResult{Entity: next, Change: &change, Conflict: info}, nil
}

// Delete soft-deletes an entity the client last saw at req.BaseVersion.
// Conflicts are handled as in Update.
func (s *Service) Delete(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := validateWrite(req, false); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetEntity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, mapStorageError(err)
	}

	incoming, err := s.engine.ChangeDetector().BuildDeleted(ref(req), current.Data, req.ClientID, changeOpts(req, req.BaseVersion)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	info, result, err := s.checkConflict(ctx, incoming, current)
	if err != nil {
		return nil, err
	}

	deleted := current.Clone()
	deleted.Deleted = true
	deleted.Version = current.Version + 1
	deleted.UpdatedAt = s.now()

	if err := s.store.DeleteEntity(ctx, deleted, current.Version); err != nil {
		return nil, mapStorageError(err)
	}

	change := incoming.WithVersion(deleted.Version)
	if info != nil {
		change = change.WithConflictResolution(models.ConflictResolution{
			Strategy:        result.StrategyUsed,
			ResolvedBy:      AutoResolver,
			OriginalChanges: info.ChangeIDs(),
		})
	}

	s.publish(ctx, change)

	return &WriteResult{Entity: deleted, Change: &change, Conflict: info}, nil
}

// BulkUpsert creates or overwrites every item without conflict checks and
// publishes a single bulk change summarizing the operation.
func (s *Service) BulkUpsert(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if err := validation.ValidateEntityType(req.EntityType); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := validation.ValidateID("project_id", req.ProjectID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &BulkResult{Created: []string{}, Updated: []string{}, Unchanged: []string{}}

	for _, item := range req.Items {
		if err := validation.ValidateID("entity_id", item.EntityID); err != nil {
			return res, fmt.Errorf("%w: bulk item: %w", ErrInvalidRequest, err)
		}
		if len(item.Data) == 0 {
			return res, fmt.Errorf("%w: bulk item %s requires data", ErrInvalidRequest, item.EntityID)
		}

		outcome, err := s.upsert(ctx, req, item)
		if err != nil {
			return res, fmt.Errorf("bulk item %s: %w", item.EntityID, err)
		}

		switch outcome {
		case upsertCreated:
			res.Created = append(res.Created, item.EntityID)
		case upsertUpdated:
			res.Updated = append(res.Updated, item.EntityID)
		default:
			res.Unchanged = append(res.Unchanged, item.EntityID)
		}
	}

	if len(res.Created)+len(res.Updated) == 0 {
		return res, nil
	}

	summary, err := json.Marshal(map[string]any{
		"operation": "upsert",
		"created":   res.Created,
		"updated":   res.Updated,
		"count":     len(res.Created) + len(res.Updated),
	})
	if err != nil {
		return res, fmt.Errorf("failed to encode bulk summary: %w", err)
	}

	var opts []ctxsync.ChangeOption
	if req.UserID != "" {
		opts = append(opts, ctxsync.WithUserID(req.UserID))
	}

	change, err := s.engine.ChangeDetector().BuildBulk(req.EntityType, req.ProjectID, req.FeatureArea, summary, req.ClientID, opts...)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	s.publish(ctx, change)
	res.Change = &change

	return res, nil
}

type upsertOutcome int

const (
	upsertUnchanged upsertOutcome = iota
	upsertCreated
	upsertUpdated
)

func (s *Service) upsert(ctx context.Context, req BulkRequest, item BulkItem) (upsertOutcome, error) {
	hash, err := crypto.HashContent(item.Data)
	if err != nil {
		return upsertUnchanged, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !json.Valid(item.Data) {
		return upsertUnchanged, fmt.Errorf("%w: data must be valid JSON", ErrInvalidRequest)
	}

	now := s.now()
	current, err := s.store.GetEntity(ctx, req.EntityType, item.EntityID)
	switch {
	case errors.Is(err, storage.ErrEntityNotFound):
		entity := &models.ContextEntity{
			ID:          item.EntityID,
			EntityType:  req.EntityType,
			ProjectID:   req.ProjectID,
			FeatureArea: req.FeatureArea,
			Data:        slices.Clone(item.Data),
			ContentHash: hash,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateEntity(ctx, entity); err != nil {
			return upsertUnchanged, mapStorageError(err)
		}
		return upsertCreated, nil
	case err != nil:
		return upsertUnchanged, mapStorageError(err)
	}

	if current.ContentHash == hash {
		return upsertUnchanged, nil
	}

	next := current.Clone()
	next.Data = slices.Clone(item.Data)
	next.ContentHash = hash
	next.Version = current.Version + 1
	next.UpdatedAt = now

	if err := s.store.UpdateEntity(ctx, next, current.Version); err != nil {
		return upsertUnchanged, mapStorageError(err)
	}
	return upsertUpdated, nil
}

// checkConflict runs conflict detection for incoming and settles a detected
// conflict with the default strategy. It returns *ConflictError when the
// write must not proceed.
func (s *Service) checkConflict(ctx context.Context, incoming models.ContextChange, current *models.ContextEntity) (*models.ConflictInfo, *models.ConflictResolutionResult, error) {
	recent := s.concurrentCandidates(incoming)

	info := s.conflicts.DetectConflict(ctx, incoming, current, recent)
	if info == nil {
		return nil, nil, nil
	}

	strategy := s.conflicts.Config().DefaultStrategy
	if strategy == models.StrategyManualResolution {
		return nil, nil, &ConflictError{Conflict: info}
	}

	result, err := s.conflicts.ResolveConflict(ctx, info.ConflictID, strategy, AutoResolver)
	if err != nil {
		s.logger.Warn("Automatic conflict resolution failed, leaving conflict active",
			"conflict_id", info.ConflictID,
			"strategy", strategy,
			"error", err)
		return nil, nil, &ConflictError{Conflict: info}
	}

	resolved, err := s.conflicts.GetConflict(info.ConflictID)
	if err != nil {
		resolved = info
	}

	if slices.Contains(result.DiscardedChanges, incoming.ChangeID) {
		return nil, nil, &ConflictError{Conflict: resolved}
	}

	return resolved, result, nil
}

// concurrentCandidates returns recent changes of the entity made by other
// clients. A client's own sequential edits never count as concurrent.
func (s *Service) concurrentCandidates(incoming models.ContextChange) []models.ContextChange {
	recent := s.engine.History().Recent(incoming.EntityType, incoming.EntityID)
	out := recent[:0]
	for _, rc := range recent {
		if rc.Metadata.ClientID != incoming.Metadata.ClientID {
			out = append(out, rc)
		}
	}
	return out
}

// publish hands a stored change to the sync engine. The entity is already
// persisted, so delivery failures are logged and not returned.
func (s *Service) publish(ctx context.Context, change models.ContextChange) {
	if err := s.engine.BroadcastChange(ctx, change); err != nil {
		s.logger.Error("Failed to publish change",
			"change_id", change.ChangeID,
			"entity", change.EntityKey(),
			"error", err)
	}
}

func ref(req WriteRequest) ctxsync.EntityRef {
	return ctxsync.EntityRef{
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		ProjectID:   req.ProjectID,
		FeatureArea: req.FeatureArea,
	}
}

func changeOpts(req WriteRequest, version uint32) []ctxsync.ChangeOption {
	opts := []ctxsync.ChangeOption{ctxsync.WithVersion(version)}
	if req.UserID != "" {
		opts = append(opts, ctxsync.WithUserID(req.UserID))
	}
	if !req.Timestamp.IsZero() {
		opts = append(opts, ctxsync.WithTimestamp(req.Timestamp))
	}
	return opts
}

func validateWrite(req WriteRequest, needData bool) error {
	if err := validateRef(req.EntityType, req.EntityID, req.ProjectID); err != nil {
		return err
	}

	switch {
	case req.ClientID == uuid.Nil:
		return fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	case needData && len(req.Data) == 0:
		return fmt.Errorf("%w: data is required", ErrInvalidRequest)
	case needData && !json.Valid(req.Data):
		return fmt.Errorf("%w: data must be valid JSON", ErrInvalidRequest)
	}
	return nil
}

func validateRef(entityType, entityID, projectID string) error {
	if err := validation.ValidateEntityType(entityType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := validation.ValidateID("entity_id", entityID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := validation.ValidateID("project_id", projectID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func mapStorageError(err error) error {
	switch {
	case errors.Is(err, storage.ErrEntityNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrEntityAlreadyExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, storage.ErrVersionMismatch):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return fmt.Errorf("storage failure: %w", err)
}
