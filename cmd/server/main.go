package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/ctxsync/internal/config"
	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/knowledge"
	"github.com/iudanet/ctxsync/internal/server"
	"github.com/iudanet/ctxsync/internal/server/handlers"
	"github.com/iudanet/ctxsync/internal/server/storage/sqlite"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse flags
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "", "Path to config file (.toml, .json, .yaml)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	issueToken := flag.String("issue-token", "", "Print an access token for the given user and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "Lifetime of tokens printed by -issue-token")
	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("ctxsync server starting...",
		"version", Version,
		"addr", cfg.Server.Address,
		"db", cfg.Storage.DBPath,
		"default_strategy", cfg.Conflict.DefaultStrategy)

	store, err := sqlite.New(ctx, cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	engine, err := ctxsync.NewEngine(cfg.SyncOptions(logger))
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	defer engine.Shutdown()

	conflicts, err := conflict.NewEngine(cfg.ConflictEngineConfig(), logger, conflict.WithRecorder(store))
	if err != nil {
		return fmt.Errorf("failed to create conflict engine: %w", err)
	}

	srv := server.New(cfg, server.Deps{
		Store:     store,
		Sync:      engine,
		Conflicts: conflicts,
		Knowledge: knowledge.NewService(store, engine, conflicts, logger),
	}, Version, logger)

	return srv.Run(ctx)
}

func printToken(cfg *config.Config, user string, ttl time.Duration) error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is not configured")
	}

	token, expiresIn, err := handlers.GenerateAccessToken(handlers.JWTConfig{
		Secret:         []byte(cfg.Auth.JWTSecret),
		AccessTokenTTL: ttl,
	}, user, user)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "Expires in: %s\n", time.Duration(expiresIn)*time.Second)
	return nil
}

func printVersion() {
	fmt.Printf("ctxsync server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
