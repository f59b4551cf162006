package conflict

import (
	"fmt"
	"time"

	"github.com/iudanet/ctxsync/internal/models"
)

// Config holds the conflict detection and resolution settings.
type Config struct {
	DefaultStrategy            models.ConflictStrategy
	ManualResolutionTimeout    time.Duration
	ConcurrentChangeThreshold  time.Duration
	AutoDetectVersionConflicts bool
	AutoDetectContentConflicts bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:            models.StrategyLastWriterWins,
		ManualResolutionTimeout:    300 * time.Second,
		ConcurrentChangeThreshold:  30 * time.Second,
		AutoDetectVersionConflicts: true,
		AutoDetectContentConflicts: true,
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	if !c.DefaultStrategy.Valid() {
		return fmt.Errorf("%w: unknown default strategy %q", ErrInvalidConfig, c.DefaultStrategy)
	}
	if c.ManualResolutionTimeout <= 0 {
		return fmt.Errorf("%w: manual resolution timeout must be positive", ErrInvalidConfig)
	}
	if c.AutoDetectContentConflicts && c.ConcurrentChangeThreshold <= 0 {
		return fmt.Errorf("%w: concurrent change threshold must be positive", ErrInvalidConfig)
	}
	return nil
}
