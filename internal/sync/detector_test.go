package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ctxsync/internal/models"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

// recordingPublisher collects published changes
type recordingPublisher struct {
	err     error
	changes []models.ContextChange
	mu      sync.Mutex
}

func (p *recordingPublisher) Broadcast(_ context.Context, change models.ContextChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.changes = append(p.changes, change)
	return nil
}

func newTestDetector(t *testing.T) (*ChangeDetector, *recordingPublisher, *ChangeHistory) {
	t.Helper()
	history, err := NewChangeHistory(100, 10)
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return NewChangeDetector(pub, history, setupTestLogger()), pub, history
}

func TestComputeDelta(t *testing.T) {
	tests := []struct {
		name    string
		oldData string
		newData string
		want    []string
	}{
		{
			name:    "changed added and removed fields",
			oldData: `{"a":1,"b":2,"status":"draft"}`,
			newData: `{"a":1,"b":3,"c":4}`,
			want:    []string{"b", "c", "removed_status"},
		},
		{
			name:    "identical objects",
			oldData: `{"a":1,"nested":{"x":[1,2]}}`,
			newData: `{"a":1,"nested":{"x":[1,2]}}`,
			want:    []string{},
		},
		{
			name:    "nested change reported at top level",
			oldData: `{"nested":{"x":1,"y":2}}`,
			newData: `{"nested":{"x":1,"y":3}}`,
			want:    []string{"nested"},
		},
		{
			name:    "non-object values",
			oldData: `"draft"`,
			newData: `"final"`,
			want:    []string{"value"},
		},
		{
			name:    "object replaced by array",
			oldData: `{"a":1}`,
			newData: `[1]`,
			want:    []string{"value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDelta(json.RawMessage(tt.oldData), json.RawMessage(tt.newData))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChangeDetector_NotifyEntityCreated(t *testing.T) {
	detector, pub, _ := newTestDetector(t)
	clientID := uuid.New()
	ref := EntityRef{EntityType: models.EntityTypeBusinessRule, EntityID: "rule-1", ProjectID: "p1", FeatureArea: "auth"}

	change, err := detector.NotifyEntityCreated(context.Background(), ref, json.RawMessage(`{"name":"r"}`), clientID, WithUserID("alice"))
	require.NoError(t, err)

	assert.Equal(t, models.ChangeTypeCreate, change.ChangeType)
	assert.Equal(t, "rule-1", change.EntityID)
	assert.Equal(t, `{"name":"r"}`, string(change.FullEntity))
	assert.Nil(t, change.Delta)
	require.NotNil(t, change.FeatureArea)
	assert.Equal(t, "auth", *change.FeatureArea)
	require.NotNil(t, change.Metadata.UserID)
	assert.Equal(t, "alice", *change.Metadata.UserID)
	assert.Equal(t, clientID, change.Metadata.ClientID)
	assert.Equal(t, uint32(1), change.Metadata.Version)

	require.Len(t, pub.changes, 1)
	assert.Equal(t, change.ChangeID, pub.changes[0].ChangeID)
}

func TestChangeDetector_NotifyEntityUpdated(t *testing.T) {
	detector, pub, _ := newTestDetector(t)
	ref := EntityRef{EntityType: models.EntityTypeTask, EntityID: "t1", ProjectID: "p1"}

	change, err := detector.NotifyEntityUpdated(context.Background(), ref,
		json.RawMessage(`{"a":1,"b":2,"status":"draft"}`),
		json.RawMessage(`{"a":1,"b":3,"c":4}`),
		uuid.New())
	require.NoError(t, err)

	require.NotNil(t, change.Delta)
	assert.Equal(t, []string{"b", "c", "removed_status"}, change.Delta.ChangedFields)
	assert.NotContains(t, change.Delta.ChangedFields, "a")
	assert.JSONEq(t, `{"a":1,"b":2,"status":"draft"}`, string(change.Delta.Old))
	assert.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(change.Delta.New))
	assert.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(change.FullEntity))
	assert.Nil(t, change.FeatureArea)
	assert.Len(t, pub.changes, 1)
}

func TestChangeDetector_NotifyEntityDeleted(t *testing.T) {
	detector, _, _ := newTestDetector(t)
	ref := EntityRef{EntityType: models.EntityTypeTask, EntityID: "t1", ProjectID: "p1"}

	change, err := detector.NotifyEntityDeleted(context.Background(), ref, json.RawMessage(`{"a":1}`), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, models.ChangeTypeDelete, change.ChangeType)
	assert.Nil(t, change.FullEntity)
	require.NotNil(t, change.Delta)
	assert.JSONEq(t, `{"a":1}`, string(change.Delta.Old))
}

func TestChangeDetector_NotifyBulkOperation(t *testing.T) {
	detector, pub, _ := newTestDetector(t)

	for range 5 {
		change, err := detector.NotifyBulkOperation(context.Background(),
			models.EntityTypeRequirement, "p1", "", json.RawMessage(`{"imported":12}`), uuid.New())
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(change.EntityID, models.BulkEntityPrefix))
		_, err = uuid.Parse(strings.TrimPrefix(change.EntityID, models.BulkEntityPrefix))
		assert.NoError(t, err)
		assert.Equal(t, models.ChangeTypeBulk, change.ChangeType)
		assert.JSONEq(t, `{"imported":12}`, string(change.FullEntity))
	}
	assert.Len(t, pub.changes, 5)
}

func TestChangeDetector_VersionDerivedFromHistory(t *testing.T) {
	detector, _, history := newTestDetector(t)
	ref := EntityRef{EntityType: models.EntityTypeTask, EntityID: "t1", ProjectID: "p1"}
	ctx := context.Background()

	first, err := detector.NotifyEntityCreated(ctx, ref, json.RawMessage(`{}`), uuid.New())
	require.NoError(t, err)
	second, err := detector.NotifyEntityUpdated(ctx, ref, json.RawMessage(`{}`), json.RawMessage(`{"a":1}`), uuid.New())
	require.NoError(t, err)
	explicit, err := detector.NotifyEntityUpdated(ctx, ref, json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`), uuid.New(), WithVersion(10))
	require.NoError(t, err)
	next, err := detector.NotifyEntityUpdated(ctx, ref, json.RawMessage(`{"a":2}`), json.RawMessage(`{"a":3}`), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, uint32(1), first.Metadata.Version)
	assert.Equal(t, uint32(2), second.Metadata.Version)
	assert.Equal(t, uint32(10), explicit.Metadata.Version)
	assert.Equal(t, uint32(11), next.Metadata.Version)
	assert.Len(t, history.Recent(ref.EntityType, ref.EntityID), 4)
}

func TestChangeDetector_MalformedJSONIsWrapped(t *testing.T) {
	detector, pub, _ := newTestDetector(t)
	ref := EntityRef{EntityType: models.EntityTypeTask, EntityID: "t1", ProjectID: "p1"}

	change, err := detector.NotifyEntityCreated(context.Background(), ref, json.RawMessage(`{not json`), uuid.New())
	require.NoError(t, err)

	var raw string
	require.NoError(t, json.Unmarshal(change.FullEntity, &raw))
	assert.Equal(t, "{not json", raw)
	assert.Len(t, pub.changes, 1)
}

func TestChangeDetector_InvalidRef(t *testing.T) {
	detector, pub, _ := newTestDetector(t)

	tests := []struct {
		name string
		ref  EntityRef
	}{
		{name: "missing type", ref: EntityRef{EntityID: "1", ProjectID: "p"}},
		{name: "missing id", ref: EntityRef{EntityType: "task", ProjectID: "p"}},
		{name: "missing project", ref: EntityRef{EntityType: "task", EntityID: "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := detector.NotifyEntityCreated(context.Background(), tt.ref, nil, uuid.New())
			assert.ErrorIs(t, err, ErrInvalidChange)
		})
	}
	assert.Empty(t, pub.changes)
}

func TestChangeDetector_PublishFailureIsReturned(t *testing.T) {
	detector, pub, _ := newTestDetector(t)
	pub.err = ErrBroadcasterClosed
	ref := EntityRef{EntityType: models.EntityTypeTask, EntityID: "t1", ProjectID: "p1"}

	_, err := detector.NotifyEntityCreated(context.Background(), ref, json.RawMessage(`{}`), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBroadcasterClosed))
}

func TestChangeDetector_WithTimestamp(t *testing.T) {
	detector, _, _ := newTestDetector(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ref := EntityRef{EntityType: models.EntityTypeTask, EntityID: "t1", ProjectID: "p1"}

	change, err := detector.BuildCreated(ref, nil, uuid.New(), WithTimestamp(ts))
	require.NoError(t, err)
	assert.Equal(t, ts, change.Metadata.Timestamp)
	assert.Nil(t, change.FullEntity)
}
