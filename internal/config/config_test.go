package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ctxsync/internal/models"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	engine := cfg.ConflictEngineConfig()
	assert.Equal(t, models.StrategyLastWriterWins, engine.DefaultStrategy)
	assert.Equal(t, 300*time.Second, engine.ManualResolutionTimeout)
	assert.Equal(t, 30*time.Second, engine.ConcurrentChangeThreshold)
	assert.True(t, engine.AutoDetectVersionConflicts)
	assert.True(t, engine.AutoDetectContentConflicts)
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "ctxsync.toml",
			content: `
[server]
address = ":9090"

[conflict]
default_strategy = "auto_merge"
concurrent_change_threshold_sec = 10
`,
		},
		{
			name: "yaml",
			file: "ctxsync.yaml",
			content: `
server:
  address: ":9090"
conflict:
  default_strategy: auto_merge
  concurrent_change_threshold_sec: 10
`,
		},
		{
			name:    "json",
			file:    "ctxsync.json",
			content: `{"server":{"address":":9090"},"conflict":{"default_strategy":"auto_merge","concurrent_change_threshold_sec":10}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, ":9090", cfg.Server.Address)
			assert.Equal(t, "auto_merge", cfg.Conflict.DefaultStrategy)
			assert.Equal(t, 10*time.Second, cfg.ConflictEngineConfig().ConcurrentChangeThreshold)
			// untouched values keep their defaults
			assert.Equal(t, 300, cfg.Conflict.ManualResolutionTimeoutS)
			assert.Equal(t, "ctxsync.db", cfg.Storage.DBPath)
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("not = [valid"), 0o600))
	_, err := Load(bad)
	assert.Error(t, err)

	unknown := filepath.Join(dir, "cfg.ini")
	require.NoError(t, os.WriteFile(unknown, []byte("a=b"), 0o600))
	_, err = Load(unknown)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"conflict":{"default_strategy":"coin_flip"}}`), 0o600))
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CTXSYNC_ADDR", ":7070")
	t.Setenv("CTXSYNC_DB_PATH", "/tmp/x.db")
	t.Setenv("CTXSYNC_SUBSCRIBER_BUFFER", "42")
	t.Setenv("CTXSYNC_DEFAULT_STRATEGY", "reject")
	t.Setenv("CTXSYNC_JWT_SECRET", "s3cret")
	t.Setenv("CTXSYNC_LOG_LEVEL", "debug")
	t.Setenv("CTXSYNC_ENABLE_MCP", "false")
	t.Setenv("CTXSYNC_WRITE_RATE_LIMIT", "0")
	t.Setenv("CTXSYNC_CONCURRENT_CHANGE_THRESHOLD_SEC", "not-a-number")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DBPath)
	assert.Equal(t, 42, cfg.Sync.SubscriberBuffer)
	assert.Equal(t, "reject", cfg.Conflict.DefaultStrategy)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Server.EnableMCP)
	assert.Zero(t, cfg.Server.WriteRateLimit)
	assert.Equal(t, 30, cfg.Conflict.ConcurrentChangeThresholdS)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "empty address", modify: func(c *Config) { c.Server.Address = "" }},
		{name: "negative rate limit", modify: func(c *Config) { c.Server.WriteRateLimit = -1 }},
		{name: "empty db path", modify: func(c *Config) { c.Storage.DBPath = "" }},
		{name: "zero buffer", modify: func(c *Config) { c.Sync.SubscriberBuffer = 0 }},
		{name: "zero history", modify: func(c *Config) { c.Sync.HistoryPerEntity = 0 }},
		{name: "zero redelivery", modify: func(c *Config) { c.Sync.RedeliveryIntervalS = 0 }},
		{name: "zero cleanup", modify: func(c *Config) { c.Conflict.CleanupIntervalS = 0 }},
		{name: "bad strategy", modify: func(c *Config) { c.Conflict.DefaultStrategy = "coin_flip" }},
		{name: "zero threshold", modify: func(c *Config) { c.Conflict.ConcurrentChangeThresholdS = 0 }},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg"+ext)
			cfg := DefaultConfig()
			cfg.Server.Address = ":6060"

			require.NoError(t, Save(cfg, path))
			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, ":6060", loaded.Server.Address)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"

	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
