package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
)

// Publisher delivers a built change to subscribers.
type Publisher interface {
	Broadcast(ctx context.Context, change models.ContextChange) error
}

// EntityRef identifies the entity a mutation applies to.
type EntityRef struct {
	EntityType  string
	EntityID    string
	ProjectID   string
	FeatureArea string
}

type changeOptions struct {
	userID    *string
	version   *uint32
	timestamp time.Time
}

// ChangeOption customizes a change built by the detector.
type ChangeOption func(*changeOptions)

// WithUserID sets the acting user of the change.
func WithUserID(userID string) ChangeOption {
	return func(o *changeOptions) {
		o.userID = models.StringPtr(userID)
	}
}

// WithVersion sets an explicit entity version instead of deriving it from history.
func WithVersion(version uint32) ChangeOption {
	return func(o *changeOptions) {
		o.version = &version
	}
}

// WithTimestamp overrides the change timestamp.
func WithTimestamp(ts time.Time) ChangeOption {
	return func(o *changeOptions) {
		o.timestamp = ts
	}
}

// ChangeDetector turns entity mutations into ContextChange values and
// publishes them.
type ChangeDetector struct {
	publisher Publisher
	history   *ChangeHistory
	logger    *slog.Logger
	now       func() time.Time
}

// NewChangeDetector creates a detector that records changes in history and
// hands them to publisher.
func NewChangeDetector(publisher Publisher, history *ChangeHistory, logger *slog.Logger) *ChangeDetector {
	return &ChangeDetector{
		publisher: publisher,
		history:   history,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BuildCreated builds a create change carrying data as the full entity.
func (d *ChangeDetector) BuildCreated(ref EntityRef, data json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	if err := validateRef(ref); err != nil {
		return models.ContextChange{}, err
	}

	change := d.newChange(models.ChangeTypeCreate, ref, clientID, opts)
	change.FullEntity = d.payload(ref, "data", data)
	return change, nil
}

// BuildUpdated builds an update change with a shallow delta between oldData and newData.
func (d *ChangeDetector) BuildUpdated(ref EntityRef, oldData, newData json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	if err := validateRef(ref); err != nil {
		return models.ContextChange{}, err
	}

	oldPayload := d.payload(ref, "old_data", oldData)
	newPayload := d.payload(ref, "new_data", newData)

	change := d.newChange(models.ChangeTypeUpdate, ref, clientID, opts)
	change.FullEntity = newPayload
	change.Delta = &models.Delta{
		Old:           oldPayload,
		New:           append(json.RawMessage(nil), newPayload...),
		ChangedFields: ComputeDelta(oldPayload, newPayload),
	}
	return change, nil
}

// BuildDeleted builds a delete change. The old snapshot is kept in the delta.
func (d *ChangeDetector) BuildDeleted(ref EntityRef, oldData json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	if err := validateRef(ref); err != nil {
		return models.ContextChange{}, err
	}

	change := d.newChange(models.ChangeTypeDelete, ref, clientID, opts)
	if len(oldData) > 0 {
		change.Delta = &models.Delta{
			Old:           d.payload(ref, "old_data", oldData),
			ChangedFields: []string{},
		}
	}
	return change, nil
}

// BuildBulk builds a bulk change for entityType with a synthesized entity id.
func (d *ChangeDetector) BuildBulk(entityType, projectID, featureArea string, summary json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	ref := EntityRef{
		EntityType:  entityType,
		EntityID:    models.BulkEntityPrefix + uuid.NewString(),
		ProjectID:   projectID,
		FeatureArea: featureArea,
	}
	if err := validateRef(ref); err != nil {
		return models.ContextChange{}, err
	}

	change := d.newChange(models.ChangeTypeBulk, ref, clientID, opts)
	change.FullEntity = d.payload(ref, "summary", summary)
	return change, nil
}

// Publish records change in history and hands it to the publisher.
func (d *ChangeDetector) Publish(ctx context.Context, change models.ContextChange) error {
	if d.history != nil {
		d.history.Record(change)
	}

	if err := d.publisher.Broadcast(ctx, change); err != nil {
		return fmt.Errorf("failed to publish change %s: %w", change.ChangeID, err)
	}

	d.logger.Debug("Change published",
		"change_id", change.ChangeID,
		"change_type", change.ChangeType,
		"entity", change.EntityKey(),
		"version", change.Metadata.Version)

	return nil
}

// NotifyEntityCreated builds and publishes a create change.
func (d *ChangeDetector) NotifyEntityCreated(ctx context.Context, ref EntityRef, data json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	change, err := d.BuildCreated(ref, data, clientID, opts...)
	if err != nil {
		return models.ContextChange{}, err
	}
	return change, d.Publish(ctx, change)
}

// NotifyEntityUpdated builds and publishes an update change.
func (d *ChangeDetector) NotifyEntityUpdated(ctx context.Context, ref EntityRef, oldData, newData json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	change, err := d.BuildUpdated(ref, oldData, newData, clientID, opts...)
	if err != nil {
		return models.ContextChange{}, err
	}
	return change, d.Publish(ctx, change)
}

// NotifyEntityDeleted builds and publishes a delete change.
func (d *ChangeDetector) NotifyEntityDeleted(ctx context.Context, ref EntityRef, oldData json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	change, err := d.BuildDeleted(ref, oldData, clientID, opts...)
	if err != nil {
		return models.ContextChange{}, err
	}
	return change, d.Publish(ctx, change)
}

// NotifyBulkOperation builds and publishes a bulk change.
func (d *ChangeDetector) NotifyBulkOperation(ctx context.Context, entityType, projectID, featureArea string, summary json.RawMessage, clientID uuid.UUID, opts ...ChangeOption) (models.ContextChange, error) {
	change, err := d.BuildBulk(entityType, projectID, featureArea, summary, clientID, opts...)
	if err != nil {
		return models.ContextChange{}, err
	}
	return change, d.Publish(ctx, change)
}

func (d *ChangeDetector) newChange(changeType models.ChangeType, ref EntityRef, clientID uuid.UUID, opts []ChangeOption) models.ContextChange {
	var o changeOptions
	for _, opt := range opts {
		opt(&o)
	}

	ts := o.timestamp
	if ts.IsZero() {
		ts = d.now()
	}

	var version uint32
	switch {
	case o.version != nil:
		version = *o.version
	case d.history != nil:
		version = d.history.NextVersion(ref.EntityType, ref.EntityID)
	default:
		version = 1
	}

	return models.ContextChange{
		ChangeID:    uuid.New(),
		ChangeType:  changeType,
		EntityType:  ref.EntityType,
		EntityID:    ref.EntityID,
		ProjectID:   ref.ProjectID,
		FeatureArea: models.StringPtr(ref.FeatureArea),
		Metadata: models.ChangeMetadata{
			UserID:    o.userID,
			ClientID:  clientID,
			Timestamp: ts,
			Version:   version,
		},
	}
}

// payload returns a private copy of raw, wrapping malformed JSON as a JSON string.
func (d *ChangeDetector) payload(ref EntityRef, field string, raw json.RawMessage) json.RawMessage {
	out, err := normalizeJSON(raw)
	if err != nil {
		d.logger.Warn("Malformed entity payload, recording raw value",
			"entity_type", ref.EntityType,
			"entity_id", ref.EntityID,
			"field", field,
			"error", err)
	}
	return out
}

func normalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	if json.Valid(raw) {
		out := make(json.RawMessage, len(raw))
		copy(out, raw)
		return out, nil
	}

	wrapped, err := json.Marshal(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return wrapped, ErrSerialization
}

func validateRef(ref EntityRef) error {
	switch {
	case ref.EntityType == "":
		return fmt.Errorf("%w: entity type is required", ErrInvalidChange)
	case ref.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidChange)
	case ref.ProjectID == "":
		return fmt.Errorf("%w: project id is required", ErrInvalidChange)
	}
	return nil
}

// ComputeDelta lists the top-level fields that differ between two JSON objects.
// Changed or added keys come first in sorted order, followed by "removed_<key>"
// for keys missing from newData. Nested values are compared by equality.
// If either side is not a JSON object the whole value is reported as "value".
func ComputeDelta(oldData, newData json.RawMessage) []string {
	var oldObj, newObj map[string]any
	if json.Unmarshal(oldData, &oldObj) != nil || json.Unmarshal(newData, &newObj) != nil ||
		oldObj == nil || newObj == nil {
		return []string{"value"}
	}

	changed := make([]string, 0, len(newObj))
	for key, newVal := range newObj {
		oldVal, ok := oldObj[key]
		if !ok || !reflect.DeepEqual(oldVal, newVal) {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)

	removed := make([]string, 0)
	for key := range oldObj {
		if _, ok := newObj[key]; !ok {
			removed = append(removed, "removed_"+key)
		}
	}
	sort.Strings(removed)

	return append(changed, removed...)
}
