// Package config handles configuration loading and validation for the ctxsync server.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iudanet/ctxsync/internal/conflict"
	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/internal/sync"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CTXSYNC_"

// ErrInvalidConfig indicates that the configuration failed validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server" yaml:"server"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Sync     SyncConfig     `toml:"sync" json:"sync" yaml:"sync"`
	Conflict ConflictConfig `toml:"conflict" json:"conflict" yaml:"conflict"`
	Auth     AuthConfig     `toml:"auth" json:"auth" yaml:"auth"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address            string   `toml:"address" json:"address" yaml:"address"`
	CORSOrigins        []string `toml:"cors_origins" json:"cors_origins" yaml:"cors_origins"`
	ReadHeaderTimeoutS int      `toml:"read_header_timeout_sec" json:"read_header_timeout_sec" yaml:"read_header_timeout_sec"`
	ShutdownTimeoutS   int      `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
	EnableMCP          bool     `toml:"enable_mcp" json:"enable_mcp" yaml:"enable_mcp"`
	// WriteRateLimit caps write requests per minute per user or IP. 0 disables the limit.
	WriteRateLimit     int      `toml:"write_rate_limit" json:"write_rate_limit" yaml:"write_rate_limit"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	DBPath string `toml:"db_path" json:"db_path" yaml:"db_path"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	SubscriberBuffer    int `toml:"subscriber_buffer" json:"subscriber_buffer" yaml:"subscriber_buffer"`
	HistoryEntities     int `toml:"history_entities" json:"history_entities" yaml:"history_entities"`
	HistoryPerEntity    int `toml:"history_per_entity" json:"history_per_entity" yaml:"history_per_entity"`
	RedeliveryIntervalS int `toml:"redelivery_interval_sec" json:"redelivery_interval_sec" yaml:"redelivery_interval_sec"`
}

// ConflictConfig configures the conflict engine and its janitor.
type ConflictConfig struct {
	DefaultStrategy            string `toml:"default_strategy" json:"default_strategy" yaml:"default_strategy"`
	ManualResolutionTimeoutS   int    `toml:"manual_resolution_timeout_sec" json:"manual_resolution_timeout_sec" yaml:"manual_resolution_timeout_sec"`
	ConcurrentChangeThresholdS int    `toml:"concurrent_change_threshold_sec" json:"concurrent_change_threshold_sec" yaml:"concurrent_change_threshold_sec"`
	CleanupIntervalS           int    `toml:"cleanup_interval_sec" json:"cleanup_interval_sec" yaml:"cleanup_interval_sec"`
	RetainResolvedS            int    `toml:"retain_resolved_sec" json:"retain_resolved_sec" yaml:"retain_resolved_sec"`
	AutoDetectVersionConflicts bool   `toml:"auto_detect_version_conflicts" json:"auto_detect_version_conflicts" yaml:"auto_detect_version_conflicts"`
	AutoDetectContentConflicts bool   `toml:"auto_detect_content_conflicts" json:"auto_detect_content_conflicts" yaml:"auto_detect_content_conflicts"`
}

// AuthConfig configures bearer token authentication. An empty secret disables it.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret" json:"jwt_secret" yaml:"jwt_secret"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	engine := conflict.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Address:            ":8080",
			CORSOrigins:        []string{"*"},
			ReadHeaderTimeoutS: 10,
			ShutdownTimeoutS:   10,
			EnableMCP:          true,
			WriteRateLimit:     600,
		},
		Storage: StorageConfig{
			DBPath: "ctxsync.db",
		},
		Sync: SyncConfig{
			SubscriberBuffer:    sync.DefaultSubscriberBuffer,
			HistoryEntities:     sync.DefaultHistoryEntities,
			HistoryPerEntity:    sync.DefaultHistoryPerEntity,
			RedeliveryIntervalS: 5,
		},
		Conflict: ConflictConfig{
			DefaultStrategy:            string(engine.DefaultStrategy),
			ManualResolutionTimeoutS:   int(engine.ManualResolutionTimeout / time.Second),
			ConcurrentChangeThresholdS: int(engine.ConcurrentChangeThreshold / time.Second),
			CleanupIntervalS:           60,
			RetainResolvedS:            24 * 60 * 60,
			AutoDetectVersionConflicts: engine.AutoDetectVersionConflicts,
			AutoDetectContentConflicts: engine.AutoDetectContentConflicts,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyEnvOverrides overrides configuration values from CTXSYNC_* variables.
// Malformed numeric or boolean values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv(EnvPrefix + "CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v, ok := envBool("ENABLE_MCP"); ok {
		c.Server.EnableMCP = v
	}
	if v, ok := envInt("WRITE_RATE_LIMIT"); ok {
		c.Server.WriteRateLimit = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v, ok := envInt("SUBSCRIBER_BUFFER"); ok {
		c.Sync.SubscriberBuffer = v
	}
	if v := os.Getenv(EnvPrefix + "DEFAULT_STRATEGY"); v != "" {
		c.Conflict.DefaultStrategy = v
	}
	if v, ok := envInt("CONCURRENT_CHANGE_THRESHOLD_SEC"); ok {
		c.Conflict.ConcurrentChangeThresholdS = v
	}
	if v, ok := envInt("MANUAL_RESOLUTION_TIMEOUT_SEC"); ok {
		c.Conflict.ManualResolutionTimeoutS = v
	}
	// Secret from env only, for security
	if v := os.Getenv(EnvPrefix + "JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("%w: server.address is required", ErrInvalidConfig)
	}
	if c.Server.WriteRateLimit < 0 {
		return fmt.Errorf("%w: server.write_rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("%w: storage.db_path is required", ErrInvalidConfig)
	}
	if c.Sync.SubscriberBuffer <= 0 {
		return fmt.Errorf("%w: sync.subscriber_buffer must be positive", ErrInvalidConfig)
	}
	if c.Sync.HistoryEntities <= 0 || c.Sync.HistoryPerEntity <= 0 {
		return fmt.Errorf("%w: sync history sizes must be positive", ErrInvalidConfig)
	}
	if c.Sync.RedeliveryIntervalS <= 0 {
		return fmt.Errorf("%w: sync.redelivery_interval_sec must be positive", ErrInvalidConfig)
	}
	if c.Conflict.CleanupIntervalS <= 0 || c.Conflict.RetainResolvedS <= 0 {
		return fmt.Errorf("%w: conflict cleanup settings must be positive", ErrInvalidConfig)
	}
	if err := c.ConflictEngineConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// ConflictEngineConfig converts the conflict section into engine settings.
func (c *Config) ConflictEngineConfig() conflict.Config {
	return conflict.Config{
		DefaultStrategy:            models.ConflictStrategy(c.Conflict.DefaultStrategy),
		ManualResolutionTimeout:    time.Duration(c.Conflict.ManualResolutionTimeoutS) * time.Second,
		ConcurrentChangeThreshold:  time.Duration(c.Conflict.ConcurrentChangeThresholdS) * time.Second,
		AutoDetectVersionConflicts: c.Conflict.AutoDetectVersionConflicts,
		AutoDetectContentConflicts: c.Conflict.AutoDetectContentConflicts,
	}
}

// SyncOptions converts the sync section into engine options.
func (c *Config) SyncOptions(logger *slog.Logger) sync.Options {
	return sync.Options{
		Logger:           logger,
		BufferSize:       c.Sync.SubscriberBuffer,
		HistoryEntities:  c.Sync.HistoryEntities,
		HistoryPerEntity: c.Sync.HistoryPerEntity,
	}
}

// RedeliveryInterval is how often queued changes are re-sent to live sockets.
func (c *Config) RedeliveryInterval() time.Duration {
	return time.Duration(c.Sync.RedeliveryIntervalS) * time.Second
}

// CleanupInterval is how often the conflict janitor runs.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Conflict.CleanupIntervalS) * time.Second
}

// RetainResolved is how long resolved conflicts are kept in memory.
func (c *Config) RetainResolved() time.Duration {
	return time.Duration(c.Conflict.RetainResolvedS) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutS) * time.Second
}

// ReadHeaderTimeout bounds reading request headers.
func (c *Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.Server.ReadHeaderTimeoutS) * time.Second
}

// NewLogger builds the slog logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown logging.level %q", s)
	}
	return level, nil
}
