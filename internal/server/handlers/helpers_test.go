package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/knowledge"
	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/internal/server/storage/sqlite"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

type testEnv struct {
	store     *sqlite.Storage
	engine    *ctxsync.Engine
	conflicts *conflict.Engine
	svc       *knowledge.Service
	mux       *http.ServeMux
}

func setupTestEnv(t *testing.T, strategy models.ConflictStrategy) *testEnv {
	t.Helper()
	logger := setupTestLogger()

	store, err := sqlite.New(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := ctxsync.NewEngine(ctxsync.Options{Logger: logger, BufferSize: 8})
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)

	cfg := conflict.DefaultConfig()
	cfg.DefaultStrategy = strategy
	conflicts, err := conflict.NewEngine(cfg, logger, conflict.WithRecorder(store))
	require.NoError(t, err)

	env := &testEnv{
		store:     store,
		engine:    engine,
		conflicts: conflicts,
		svc:       knowledge.NewService(store, engine, conflicts, logger),
		mux:       http.NewServeMux(),
	}

	syncH := NewSyncHandler(logger, engine, 50*time.Millisecond, []string{"*"})
	entities := NewEntityHandler(logger, env.svc)
	conflictH := NewConflictHandler(logger, conflicts, store)

	env.mux.HandleFunc("GET /api/v1/sync/ws", syncH.Stream)
	env.mux.HandleFunc("GET /api/v1/sync/queue", syncH.Queue)
	env.mux.HandleFunc("POST /api/v1/sync/ack", syncH.Ack)
	env.mux.HandleFunc("GET /api/v1/sync/status", syncH.Status)
	env.mux.HandleFunc("GET /api/v1/sync/metrics", syncH.Metrics)
	env.mux.HandleFunc("GET /api/v1/entities", entities.List)
	env.mux.HandleFunc("POST /api/v1/entities", entities.Create)
	env.mux.HandleFunc("POST /api/v1/entities/bulk", entities.Bulk)
	env.mux.HandleFunc("GET /api/v1/entities/{type}/{id}", entities.Get)
	env.mux.HandleFunc("PUT /api/v1/entities/{type}/{id}", entities.Update)
	env.mux.HandleFunc("DELETE /api/v1/entities/{type}/{id}", entities.Delete)
	env.mux.HandleFunc("GET /api/v1/conflicts", conflictH.List)
	env.mux.HandleFunc("GET /api/v1/conflicts/stats", conflictH.Stats)
	env.mux.HandleFunc("POST /api/v1/conflicts/cleanup", conflictH.Cleanup)
	env.mux.HandleFunc("GET /api/v1/conflicts/{id}", conflictH.Get)
	env.mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", conflictH.Resolve)
	env.mux.HandleFunc("POST /api/v1/conflicts/{id}/manual", conflictH.Manual)

	return env
}

// do sends body as JSON and returns the recorded response.
func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}
