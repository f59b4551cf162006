package mcptools

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/models"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError,
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func newTestSyncEngine(t *testing.T, bufferSize int) *ctxsync.Engine {
	t.Helper()
	engine, err := ctxsync.NewEngine(ctxsync.Options{Logger: setupTestLogger(), BufferSize: bufferSize})
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)
	return engine
}

func newTestConflictEngine(t *testing.T) *conflict.Engine {
	t.Helper()
	engine, err := conflict.NewEngine(conflict.DefaultConfig(), setupTestLogger())
	require.NoError(t, err)
	return engine
}

// seedVersionConflict registers a stale write against rule-1 of project p1.
func seedVersionConflict(t *testing.T, engine *conflict.Engine) *models.ConflictInfo {
	t.Helper()
	incoming := models.ContextChange{
		ChangeID:   uuid.New(),
		ChangeType: models.ChangeTypeUpdate,
		EntityType: models.EntityTypeBusinessRule,
		EntityID:   "rule-1",
		ProjectID:  "p1",
		FullEntity: json.RawMessage(`{"a":1}`),
		Metadata: models.ChangeMetadata{
			ClientID:  uuid.New(),
			Timestamp: time.Now(),
			Version:   1,
		},
	}
	existing := &models.ContextEntity{ID: "rule-1", EntityType: models.EntityTypeBusinessRule, Version: 2}

	info := engine.DetectConflict(context.Background(), incoming, existing, nil)
	require.NotNil(t, info)
	return info
}

func TestSyncStatusTool(t *testing.T) {
	engine := newTestSyncEngine(t, 4)
	tool := NewSyncStatusTool(engine)
	assert.Equal(t, "sync_status", tool.Definition().Name)

	_, err := engine.Subscribe(context.Background(), uuid.New(), []models.SyncFilters{{ProjectIDs: []string{"p1"}}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		args     map[string]interface{}
		wantErr  bool
		contains []string
	}{
		{
			name:     "connected project",
			args:     map[string]interface{}{"project_id": "p1"},
			contains: []string{"p1", "**Connected clients**: 1", "healthy", "never"},
		},
		{
			name:     "idle project",
			args:     map[string]interface{}{"project_id": "p2"},
			contains: []string{"**Connected clients**: 0", "unhealthy"},
		},
		{
			name:    "missing project",
			args:    map[string]interface{}{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Handle(context.Background(), makeReq(tt.args))
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr, result.IsError)

			text := resultText(t, result)
			for _, want := range tt.contains {
				assert.Contains(t, text, want)
			}
		})
	}
}

func TestQueuedChangesTool(t *testing.T) {
	engine := newTestSyncEngine(t, 4)
	tool := NewQueuedChangesTool(engine)
	clientID := uuid.New()

	_, err := engine.Subscribe(context.Background(), clientID, nil)
	require.NoError(t, err)

	change := models.ContextChange{
		ChangeID:   uuid.New(),
		ChangeType: models.ChangeTypeCreate,
		EntityType: models.EntityTypeTask,
		EntityID:   "t1",
		ProjectID:  "p1",
	}
	require.Equal(t, 1, engine.Broadcaster().QueueChange(change, clientID))

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{"client_id": clientID.String()}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var queued []models.ContextChange
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &queued))
	require.Len(t, queued, 1)
	assert.Equal(t, change.ChangeID, queued[0].ChangeID)

	result, err = tool.Handle(context.Background(), makeReq(map[string]interface{}{"client_id": "not-a-uuid"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListConflictsTool(t *testing.T) {
	engine := newTestConflictEngine(t)
	tool := NewListConflictsTool(engine)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{}))
	require.NoError(t, err)
	assert.Equal(t, "No conflicts found.", resultText(t, result))

	info := seedVersionConflict(t, engine)

	tests := []struct {
		name    string
		args    map[string]interface{}
		want    string
		wantErr bool
	}{
		{name: "all projects", args: map[string]interface{}{}, want: info.ConflictID},
		{name: "by project", args: map[string]interface{}{"project_id": "p1"}, want: "Found 1 conflicts"},
		{name: "other project", args: map[string]interface{}{"project_id": "p2"}, want: "No conflicts found."},
		{name: "resolved is empty", args: map[string]interface{}{"state": "resolved"}, want: "No conflicts found."},
		{name: "unknown state", args: map[string]interface{}{"state": "sleeping"}, want: "unknown state", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Handle(context.Background(), makeReq(tt.args))
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestResolveConflictTool(t *testing.T) {
	engine := newTestConflictEngine(t)
	tool := NewResolveConflictTool(engine)
	info := seedVersionConflict(t, engine)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"conflict_id": info.ConflictID,
		"strategy":    string(models.StrategyLastWriterWins),
		"resolved_by": "alice",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var resolved models.ConflictResolutionResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resolved))
	assert.Equal(t, models.StrategyLastWriterWins, resolved.StrategyUsed)

	stored, err := engine.GetConflict(info.ConflictID)
	require.NoError(t, err)
	assert.True(t, stored.IsResolved())

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{name: "already resolved", args: map[string]interface{}{"conflict_id": info.ConflictID, "strategy": "reject"}},
		{name: "missing id", args: map[string]interface{}{"strategy": "reject"}},
		{name: "unknown conflict", args: map[string]interface{}{"conflict_id": "nope", "strategy": "reject"}},
		{name: "manual strategy", args: map[string]interface{}{"conflict_id": "nope", "strategy": "manual_resolution"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Handle(context.Background(), makeReq(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestNewServer_RegistersTools(t *testing.T) {
	s := NewServer("test", newTestSyncEngine(t, 1), newTestConflictEngine(t))

	tools := s.ListTools()
	for _, name := range []string{"sync_status", "queued_changes", "list_conflicts", "resolve_conflict"} {
		assert.Contains(t, tools, name)
	}
}
