package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeType is the kind of mutation a ContextChange describes.
type ChangeType string

// Change types as they appear on the wire.
const (
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
	ChangeTypeBulk   ChangeType = "bulk"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeTypeCreate, ChangeTypeUpdate, ChangeTypeDelete, ChangeTypeBulk:
		return true
	}
	return false
}

// BulkEntityPrefix prefixes the synthesized entity id of bulk changes.
const BulkEntityPrefix = "bulk_"

// ContextChange is one entity mutation flowing through the sync pipeline.
// A ContextChange is never modified after construction: derived values are
// built with the With* helpers which return a copy.
type ContextChange struct {
	Metadata    ChangeMetadata  `json:"metadata"`
	Delta       *Delta          `json:"delta"`
	FeatureArea *string         `json:"feature_area"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	ProjectID   string          `json:"project_id"`
	ChangeType  ChangeType      `json:"change_type"`
	FullEntity  json.RawMessage `json:"full_entity"`
	ChangeID    uuid.UUID       `json:"change_id"`
}

// ChangeMetadata describes who produced a change and when.
type ChangeMetadata struct {
	Timestamp          time.Time           `json:"timestamp"`
	UserID             *string             `json:"user_id,omitempty"`
	ConflictResolution *ConflictResolution `json:"conflict_resolution,omitempty"`
	ClientID           uuid.UUID           `json:"client_id"`
	Version            uint32              `json:"version"`
}

// Delta is a shallow, top-level diff between two entity snapshots.
type Delta struct {
	Old           json.RawMessage `json:"old"`
	New           json.RawMessage `json:"new"`
	ChangedFields []string        `json:"changed_fields"`
}

// ConflictResolution is attached to a change that was produced by resolving a conflict.
type ConflictResolution struct {
	Strategy        ConflictStrategy `json:"strategy"`
	ResolvedBy      string           `json:"resolved_by"`
	OriginalChanges []uuid.UUID      `json:"original_changes"`
}

// EntityKey identifies the entity a change belongs to across entity types.
func (c ContextChange) EntityKey() string {
	return EntityKey(c.EntityType, c.EntityID)
}

// EntityKey builds the "type:id" key used by history and conflict bookkeeping.
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// IsNewerThan reports whether c was written after other.
// Timestamps are compared first; equal timestamps fall back to the client id
// so that every replica picks the same winner.
func (c ContextChange) IsNewerThan(other ContextChange) bool {
	if c.Metadata.Timestamp.After(other.Metadata.Timestamp) {
		return true
	}
	if c.Metadata.Timestamp.Before(other.Metadata.Timestamp) {
		return false
	}
	return c.Metadata.ClientID.String() > other.Metadata.ClientID.String()
}

// WithVersion returns a copy of c carrying the given version.
func (c ContextChange) WithVersion(version uint32) ContextChange {
	out := c.Clone()
	out.Metadata.Version = version
	return out
}

// WithFullEntity returns a copy of c with a different entity snapshot.
func (c ContextChange) WithFullEntity(entity json.RawMessage) ContextChange {
	out := c.Clone()
	out.FullEntity = cloneRaw(entity)
	return out
}

// WithConflictResolution returns a copy of c annotated with a conflict resolution.
func (c ContextChange) WithConflictResolution(res ConflictResolution) ContextChange {
	out := c.Clone()
	res.OriginalChanges = append([]uuid.UUID(nil), res.OriginalChanges...)
	out.Metadata.ConflictResolution = &res
	return out
}

// Clone returns a deep copy of c. Values handed out of the sync registries are
// always clones so callers cannot reach shared state.
func (c ContextChange) Clone() ContextChange {
	out := c
	out.FullEntity = cloneRaw(c.FullEntity)

	if c.FeatureArea != nil {
		fa := *c.FeatureArea
		out.FeatureArea = &fa
	}

	if c.Delta != nil {
		d := Delta{
			Old:           cloneRaw(c.Delta.Old),
			New:           cloneRaw(c.Delta.New),
			ChangedFields: append([]string(nil), c.Delta.ChangedFields...),
		}
		out.Delta = &d
	}

	if c.Metadata.UserID != nil {
		u := *c.Metadata.UserID
		out.Metadata.UserID = &u
	}

	if c.Metadata.ConflictResolution != nil {
		r := *c.Metadata.ConflictResolution
		r.OriginalChanges = append([]uuid.UUID(nil), r.OriginalChanges...)
		out.Metadata.ConflictResolution = &r
	}

	return out
}

// Equal compares two changes by identity and payload.
func (c ContextChange) Equal(other ContextChange) bool {
	return c.ChangeID == other.ChangeID &&
		c.ChangeType == other.ChangeType &&
		c.EntityKey() == other.EntityKey() &&
		c.Metadata.Version == other.Metadata.Version &&
		bytes.Equal(c.FullEntity, other.FullEntity)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
