package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"

	"github.com/iudanet/ctxsync/internal/client/storage"
	"github.com/iudanet/ctxsync/internal/models"
)

// ApplyChange appends change to the local log and folds it into the entity
// state. Changes are deduplicated by ChangeID. A change older than the stored
// entity version is logged but leaves the state alone; bulk changes carry no
// entity state.
func (s *Storage) ApplyChange(ctx context.Context, change models.ContextChange) (bool, error) {
	if s.db == nil {
		return false, storage.ErrStorageClosed
	}

	data, err := json.Marshal(change)
	if err != nil {
		return false, fmt.Errorf("failed to marshal change: %w", err)
	}

	applied := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		index, err := bucket(tx, bucketChangeIndex)
		if err != nil {
			return err
		}
		changes, err := bucket(tx, bucketChanges)
		if err != nil {
			return err
		}
		entities, err := bucket(tx, bucketEntities)
		if err != nil {
			return err
		}

		changeKey := change.ChangeID[:]
		if index.Get(changeKey) != nil {
			return nil
		}

		seq, err := changes.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		seqKey := make([]byte, 8)
		binary.BigEndian.PutUint64(seqKey, seq)

		if err := changes.Put(seqKey, data); err != nil {
			return fmt.Errorf("failed to save change: %w", err)
		}
		if err := index.Put(changeKey, seqKey); err != nil {
			return fmt.Errorf("failed to index change: %w", err)
		}
		applied = true

		if change.ChangeType == models.ChangeTypeBulk {
			return nil
		}
		return foldEntity(entities, change)
	})
	if err != nil {
		return false, fmt.Errorf("transaction failed: %w", err)
	}

	return applied, nil
}

func foldEntity(entities *bbolt.Bucket, change models.ContextChange) error {
	key := []byte(change.EntityKey())

	entity := &storage.ReplicaEntity{
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
	}
	if raw := entities.Get(key); raw != nil {
		if err := json.Unmarshal(raw, entity); err != nil {
			return fmt.Errorf("failed to unmarshal entity: %w", err)
		}
		if change.Metadata.Version < entity.Version {
			return nil
		}
	}

	entity.ProjectID = change.ProjectID
	if change.FeatureArea != nil {
		entity.FeatureArea = *change.FeatureArea
	}
	entity.Version = change.Metadata.Version
	entity.LastChangeID = change.ChangeID
	entity.UpdatedAt = change.Metadata.Timestamp
	entity.Deleted = change.ChangeType == models.ChangeTypeDelete
	if len(change.FullEntity) > 0 && !entity.Deleted {
		entity.Data = change.FullEntity
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	if err := entities.Put(key, data); err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// GetEntity returns the local state of one entity
func (s *Storage) GetEntity(ctx context.Context, entityType, entityID string) (*storage.ReplicaEntity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entity *storage.ReplicaEntity

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketEntities)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(models.EntityKey(entityType, entityID)))
		if raw == nil {
			return storage.ErrEntityNotFound
		}

		entity = &storage.ReplicaEntity{}
		if err := json.Unmarshal(raw, entity); err != nil {
			return fmt.Errorf("failed to unmarshal entity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// ListEntities returns entities ordered by key
func (s *Storage) ListEntities(ctx context.Context, projectID string) ([]*storage.ReplicaEntity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	entities := []*storage.ReplicaEntity{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketEntities)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var entity storage.ReplicaEntity
			if err := json.Unmarshal(v, &entity); err != nil {
				return fmt.Errorf("failed to unmarshal entity: %w", err)
			}
			if projectID == "" || entity.ProjectID == projectID {
				entities = append(entities, &entity)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	return entities, nil
}

// ListChanges returns received changes in arrival order
func (s *Storage) ListChanges(ctx context.Context, limit int) ([]models.ContextChange, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	changes := []models.ContextChange{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketChanges)
		if err != nil {
			return err
		}
		c := b.Cursor()
		// walk backwards so limit keeps the newest entries
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(changes) == limit {
				break
			}
			var change models.ContextChange
			if err := json.Unmarshal(v, &change); err != nil {
				return fmt.Errorf("failed to unmarshal change: %w", err)
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	slices.Reverse(changes)
	return changes, nil
}
