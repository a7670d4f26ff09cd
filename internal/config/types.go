// Package config loads the respcache command configuration from a file and
// RESPCACHE_* environment variables.
package config

import (
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/respcache/pkg/cache"
	"github.com/Sternrassler/respcache/pkg/client"
	"github.com/Sternrassler/respcache/pkg/logging"
	"github.com/Sternrassler/respcache/pkg/prefetch"
	"github.com/Sternrassler/respcache/pkg/ratelimit"
)

// Spill tier names.
const (
	SpillDisk  = "disk"
	SpillRedis = "redis"
)

// ByteSize is a byte count that decodes from human sizes such as "50MiB" or "512kb".
// Sizes are binary: "1MB" is 1024*1024 bytes.
type ByteSize int64

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 { return int64(b) }

// String formats the size like "50MiB".
func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

// Config is the complete command configuration.
type Config struct {
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Client    ClientConfig    `mapstructure:"client"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Prefetch  PrefetchConfig  `mapstructure:"prefetch"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// CacheConfig sizes the tiers.
type CacheConfig struct {
	MemoryBudget       ByteSize      `mapstructure:"memory_budget"`
	DiskBudget         ByteSize      `mapstructure:"disk_budget"`
	DiskPath           string        `mapstructure:"disk_path"`
	MaxEntrySize       ByteSize      `mapstructure:"max_entry_size"`
	HeuristicFreshness time.Duration `mapstructure:"heuristic_freshness"`
	// Spill selects the secondary tier: "disk" or "redis"
	Spill string `mapstructure:"spill"`
}

// RedisConfig configures the Redis spill tier.
type RedisConfig struct {
	Addr     string   `mapstructure:"addr"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Budget   ByteSize `mapstructure:"budget"`
}

// ClientConfig configures origin requests.
type ClientConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PrefetchConfig configures cache warming.
type PrefetchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig configures the per-host origin rate limit gate.
type RateLimitConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	WarningThreshold int           `mapstructure:"warning_threshold"`
	ThrottleDelay    time.Duration `mapstructure:"throttle_delay"`
	MaxBlock         time.Duration `mapstructure:"max_block"`
}

// CacheOptions returns the library configuration for the cache. The spill
// tier, when Redis, is attached by the caller.
func (c *Config) CacheOptions(logger zerolog.Logger) cache.Config {
	cfg := cache.DefaultConfig()
	cfg.MemoryBudgetBytes = c.Cache.MemoryBudget.Int64()
	cfg.DiskBudgetBytes = c.Cache.DiskBudget.Int64()
	cfg.DiskStoragePath = c.Cache.DiskPath
	cfg.MaxEntryBytes = c.Cache.MaxEntrySize.Int64()
	cfg.HeuristicFreshness = c.Cache.HeuristicFreshness
	cfg.Logger = logger
	return cfg
}

// ClientOptions returns the client configuration bound to cache.
func (c *Config) ClientOptions(respCache *cache.Cache) client.Config {
	cfg := client.DefaultConfig(respCache, c.Client.UserAgent)
	cfg.Timeout = c.Client.Timeout
	cfg.Retry.MaxAttempts = c.Client.MaxAttempts
	cfg.Retry.InitialBackoff = c.Client.InitialBackoff
	cfg.Retry.MaxBackoff = c.Client.MaxBackoff
	return cfg
}

// LoggingOptions returns the logger configuration.
func (c *Config) LoggingOptions() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	cfg.FilePath = c.Log.FilePath
	cfg.MaxSizeMB = c.Log.MaxSizeMB
	cfg.MaxBackups = c.Log.MaxBackups
	cfg.Compress = c.Log.Compress
	return cfg
}

// PrefetchOptions returns the warmer configuration.
func (c *Config) PrefetchOptions() prefetch.Config {
	return prefetch.Config{
		MaxConcurrency: c.Prefetch.Concurrency,
		Timeout:        c.Prefetch.Timeout,
	}
}

// RateLimitOptions returns the tracker thresholds.
func (c *Config) RateLimitOptions() ratelimit.Config {
	return ratelimit.Config{
		WarningThreshold: c.RateLimit.WarningThreshold,
		ThrottleDelay:    c.RateLimit.ThrottleDelay,
		MaxBlock:         c.RateLimit.MaxBlock,
	}
}
