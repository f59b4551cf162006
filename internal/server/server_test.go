package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ctxsync/internal/config"
	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/knowledge"
	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/internal/server/handlers"
	"github.com/iudanet/ctxsync/internal/server/storage/sqlite"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
	"github.com/iudanet/ctxsync/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func setupTestServer(t *testing.T, modify func(*config.Config)) *Server {
	t.Helper()
	logger := setupTestLogger()

	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = ":memory:"
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())

	store, err := sqlite.New(context.Background(), cfg.Storage.DBPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := ctxsync.NewEngine(cfg.SyncOptions(logger))
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)

	conflicts, err := conflict.NewEngine(cfg.ConflictEngineConfig(), logger, conflict.WithRecorder(store))
	require.NoError(t, err)

	s := New(cfg, Deps{
		Store:     store,
		Sync:      engine,
		Conflicts: conflicts,
		Knowledge: knowledge.NewService(store, engine, conflicts, logger),
	}, "test", logger)
	t.Cleanup(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})
	return s
}

func createBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(api.EntityRequest{
		EntityType: models.EntityTypeTask,
		EntityID:   "t1",
		ProjectID:  "p1",
		Data:       json.RawMessage(`{"title":"ship it"}`),
		ClientID:   uuid.New(),
	}))
	return &buf
}

func TestServer_Health(t *testing.T) {
	s := setupTestServer(t, func(c *config.Config) { c.Auth.JWTSecret = "secret" })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp handlers.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestServer_Auth(t *testing.T) {
	s := setupTestServer(t, func(c *config.Config) { c.Auth.JWTSecret = "secret" })
	h := s.Handler()

	token, _, err := handlers.GenerateAccessToken(s.jwtConfig(), "u1", "alice")
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
	}{
		{name: "no token", wantStatus: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "bearer token", header: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "query token", query: "&access_token=" + token, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/entities?project_id=p1"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestServer_WriteRateLimit(t *testing.T) {
	s := setupTestServer(t, func(c *config.Config) { c.Server.WriteRateLimit = 1 })
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/entities", createBody(t)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/entities", createBody(t)))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// reads are not limited
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/entities/task/t1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_MCP(t *testing.T) {
	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

	tests := []struct {
		name       string
		enabled    bool
		wantStatus int
	}{
		{name: "enabled", enabled: true, wantStatus: http.StatusOK},
		{name: "disabled", enabled: false, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t, func(c *config.Config) { c.Server.EnableMCP = tt.enabled })

			req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(initialize))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json, text/event-stream")
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.enabled {
				assert.Contains(t, w.Body.String(), "ctxsync")
			}
		})
	}
}

func TestServer_Sweep(t *testing.T) {
	s := setupTestServer(t, func(c *config.Config) {
		c.Conflict.DefaultStrategy = string(models.StrategyManualResolution)
		c.Conflict.RetainResolvedS = 1
	})

	incoming := models.ContextChange{
		ChangeID:   uuid.New(),
		ChangeType: models.ChangeTypeUpdate,
		EntityType: models.EntityTypeTask,
		EntityID:   "t1",
		ProjectID:  "p1",
		Metadata:   models.ChangeMetadata{ClientID: uuid.New(), Timestamp: time.Now(), Version: 1},
	}
	info := s.deps.Conflicts.DetectConflict(context.Background(), incoming, &models.ContextEntity{Version: 3}, nil)
	require.NotNil(t, info)

	expired, removed := s.sweep(context.Background())
	assert.Zero(t, expired)
	assert.Zero(t, removed)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	expired, removed = s.sweep(context.Background())
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, removed)
	assert.Empty(t, s.deps.Conflicts.GetActiveConflicts("p1"))

	audited, err := s.deps.Store.GetConflict(context.Background(), info.ConflictID)
	require.NoError(t, err)
	require.NotNil(t, audited.ResolvedBy)
	assert.Equal(t, conflict.TimeoutResolver, *audited.ResolvedBy)
}

func TestServer_ServeShutsDown(t *testing.T) {
	s := setupTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
