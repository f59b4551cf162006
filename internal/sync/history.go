package sync

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iudanet/ctxsync/internal/models"
)

const (
	// DefaultHistoryEntities is the number of entities whose recent changes are tracked
	DefaultHistoryEntities = 10000
	// DefaultHistoryPerEntity is the number of changes kept per entity
	DefaultHistoryPerEntity = 10
)

type entityHistory struct {
	changes    []models.ContextChange
	maxVersion uint32
}

// ChangeHistory keeps the last few changes of recently touched entities.
// It feeds conflict detection with recent changes and derives the next version
// of an entity when the producer does not supply one.
type ChangeHistory struct {
	cache     *lru.Cache[string, *entityHistory]
	perEntity int
	mu        sync.Mutex
}

// NewChangeHistory creates a history tracking up to maxEntities entities with
// perEntity changes each. Non-positive values fall back to the defaults.
func NewChangeHistory(maxEntities, perEntity int) (*ChangeHistory, error) {
	if maxEntities <= 0 {
		maxEntities = DefaultHistoryEntities
	}
	if perEntity <= 0 {
		perEntity = DefaultHistoryPerEntity
	}

	cache, err := lru.New[string, *entityHistory](maxEntities)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}

	return &ChangeHistory{
		cache:     cache,
		perEntity: perEntity,
	}, nil
}

// Record appends change to the history of its entity.
func (h *ChangeHistory) Record(change models.ContextChange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := change.EntityKey()
	eh, ok := h.cache.Get(key)
	if !ok {
		eh = &entityHistory{}
		h.cache.Add(key, eh)
	}

	eh.changes = append(eh.changes, change.Clone())
	if over := len(eh.changes) - h.perEntity; over > 0 {
		eh.changes = append([]models.ContextChange(nil), eh.changes[over:]...)
	}
	if change.Metadata.Version > eh.maxVersion {
		eh.maxVersion = change.Metadata.Version
	}
}

// Recent returns the recorded changes of an entity, oldest first.
func (h *ChangeHistory) Recent(entityType, entityID string) []models.ContextChange {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh, ok := h.cache.Peek(models.EntityKey(entityType, entityID))
	if !ok {
		return nil
	}

	out := make([]models.ContextChange, len(eh.changes))
	for i, c := range eh.changes {
		out[i] = c.Clone()
	}
	return out
}

// NextVersion returns the highest version seen for the entity plus one.
// An entity with no history starts at version 1.
func (h *ChangeHistory) NextVersion(entityType, entityID string) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh, ok := h.cache.Peek(models.EntityKey(entityType, entityID))
	if !ok {
		return 1
	}
	return eh.maxVersion + 1
}

// Forget drops the history of an entity.
func (h *ChangeHistory) Forget(entityType, entityID string) {
	h.cache.Remove(models.EntityKey(entityType, entityID))
}

// Len returns the number of tracked entities.
func (h *ChangeHistory) Len() int {
	return h.cache.Len()
}
