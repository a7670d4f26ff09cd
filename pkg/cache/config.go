package cache

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the cache configuration.
type Config struct {
	// MemoryBudgetBytes bounds the memory tier
	MemoryBudgetBytes int64

	// DiskBudgetBytes bounds the disk tier
	DiskBudgetBytes int64

	// DiskStoragePath is the directory records are persisted in
	DiskStoragePath string

	// MaxEntryBytes rejects larger responses regardless of their directives (0 disables)
	MaxEntryBytes int64

	// HeuristicFreshness is the lifetime of responses without explicit freshness
	HeuristicFreshness time.Duration

	// Logger receives diagnostics; the zero value discards them
	Logger zerolog.Logger

	// Observer is notified on lookup, store, eviction and tier errors (optional)
	Observer Observer

	// Spill replaces the disk tier, e.g. with a RedisStore (optional)
	Spill SpillStore

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// DefaultConfig returns a configuration sized like a desktop URL cache:
// 50 MiB in memory, 500 MiB on disk.
func DefaultConfig() Config {
	return Config{
		MemoryBudgetBytes:  50 * 1024 * 1024,
		DiskBudgetBytes:    500 * 1024 * 1024,
		DiskStoragePath:    "respcache-data",
		MaxEntryBytes:      10 * 1024 * 1024,
		HeuristicFreshness: 5 * time.Minute,
		Logger:             log.With().Str("component", "respcache").Logger(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("%w: memory budget must be > 0 (got %d)", ErrInvalidConfig, c.MemoryBudgetBytes)
	}
	if c.Spill == nil {
		if c.DiskBudgetBytes <= 0 {
			return fmt.Errorf("%w: disk budget must be > 0 (got %d)", ErrInvalidConfig, c.DiskBudgetBytes)
		}
		if c.DiskStoragePath == "" {
			return fmt.Errorf("%w: disk storage path is required", ErrInvalidConfig)
		}
	}
	if c.MaxEntryBytes < 0 {
		return fmt.Errorf("%w: max entry size must be >= 0 (got %d)", ErrInvalidConfig, c.MaxEntryBytes)
	}
	if c.HeuristicFreshness < 0 {
		return fmt.Errorf("%w: heuristic freshness must be >= 0 (got %s)", ErrInvalidConfig, c.HeuristicFreshness)
	}
	return nil
}
