// Package server wires the HTTP surface of the ctxsync server together.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/ctxsync/internal/config"
	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/knowledge"
	"github.com/iudanet/ctxsync/internal/mcptools"
	"github.com/iudanet/ctxsync/internal/server/handlers"
	"github.com/iudanet/ctxsync/internal/server/middleware"
	"github.com/iudanet/ctxsync/internal/server/storage/sqlite"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
)

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Store     *sqlite.Storage
	Sync      *ctxsync.Engine
	Conflicts *conflict.Engine
	Knowledge *knowledge.Service
}

// Server serves the REST, WebSocket and MCP endpoints and runs the conflict janitor.
type Server struct {
	cfg     *config.Config
	deps    Deps
	logger  *slog.Logger
	limiter *middleware.RateLimiter
	version string
	now     func() time.Time
}

// New creates a Server.
func New(cfg *config.Config, deps Deps, version string, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		version: version,
		now:     time.Now,
	}
	if cfg.Server.WriteRateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Server.WriteRateLimit, time.Minute, logger)
	}
	return s
}

// Handler builds the routed and middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	health := handlers.NewHealthHandler(s.logger, s.deps.Store.DB(), s.version)
	syncH := handlers.NewSyncHandler(s.logger, s.deps.Sync, s.cfg.RedeliveryInterval(), s.cfg.Server.CORSOrigins)
	entities := handlers.NewEntityHandler(s.logger, s.deps.Knowledge)
	conflicts := handlers.NewConflictHandler(s.logger, s.deps.Conflicts, s.deps.Store)

	api := http.NewServeMux()

	api.HandleFunc("GET /api/v1/sync/ws", syncH.Stream)
	api.HandleFunc("GET /api/v1/sync/queue", syncH.Queue)
	api.HandleFunc("POST /api/v1/sync/ack", syncH.Ack)
	api.HandleFunc("GET /api/v1/sync/status", syncH.Status)
	api.HandleFunc("GET /api/v1/sync/metrics", syncH.Metrics)

	api.HandleFunc("GET /api/v1/entities", entities.List)
	api.HandleFunc("POST /api/v1/entities", entities.Create)
	api.HandleFunc("POST /api/v1/entities/bulk", entities.Bulk)
	api.HandleFunc("GET /api/v1/entities/{type}/{id}", entities.Get)
	api.HandleFunc("PUT /api/v1/entities/{type}/{id}", entities.Update)
	api.HandleFunc("DELETE /api/v1/entities/{type}/{id}", entities.Delete)

	api.HandleFunc("GET /api/v1/conflicts", conflicts.List)
	api.HandleFunc("GET /api/v1/conflicts/stats", conflicts.Stats)
	api.HandleFunc("POST /api/v1/conflicts/cleanup", conflicts.Cleanup)
	api.HandleFunc("GET /api/v1/conflicts/{id}", conflicts.Get)
	api.HandleFunc("POST /api/v1/conflicts/{id}/resolve", conflicts.Resolve)
	api.HandleFunc("POST /api/v1/conflicts/{id}/manual", conflicts.Manual)

	if s.cfg.Server.EnableMCP {
		mcp := mcptools.NewServer(s.version, s.deps.Sync, s.deps.Conflicts)
		api.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcp))
	}

	var protected http.Handler = api
	if s.limiter != nil {
		protected = s.limiter.Middleware(http.MethodPost, http.MethodPut, http.MethodDelete)(protected)
	}
	if s.cfg.Auth.JWTSecret != "" {
		protected = middleware.AuthMiddleware(s.logger, s.jwtConfig())(protected)
	} else {
		s.logger.Warn("Authentication disabled, jwt secret is empty")
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /api/v1/health", health.Health)
	root.Handle("/", protected)

	var h http.Handler = root
	h = middleware.CORSMiddleware(s.cfg.Server.CORSOrigins)(h)
	h = middleware.LoggingWithSkip(s.logger, []string{"/api/v1/health"})(h)
	h = middleware.RecoveryMiddleware(s.logger)(h)

	return h
}

func (s *Server) jwtConfig() handlers.JWTConfig {
	return handlers.JWTConfig{Secret: []byte(s.cfg.Auth.JWTSecret)}
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully. The conflict janitor runs alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.runJanitor(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()

		// WebSocket streams end with the subscriptions
		s.deps.Sync.Shutdown()
		if s.limiter != nil {
			s.limiter.Stop()
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("Server stopped")
	return err
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep resolves expired manual conflicts and drops old resolved ones.
func (s *Server) sweep(ctx context.Context) (expired, removed int) {
	now := s.now()
	expired = s.deps.Conflicts.ResolveExpired(ctx, now)
	removed = s.deps.Conflicts.CleanupResolvedConflicts(now.Add(-s.cfg.RetainResolved()))

	if expired > 0 || removed > 0 {
		s.logger.Info("Conflict janitor pass",
			"expired_resolved", expired,
			"removed", removed)
	}
	return expired, removed
}
