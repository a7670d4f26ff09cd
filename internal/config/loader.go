package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RESPCACHE_CACHE_MEMORY_BUDGET.
const EnvPrefix = "RESPCACHE"

// ErrInvalid indicates a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Load reads the configuration file at path (optional) and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Cache.Spill = strings.ToLower(strings.TrimSpace(cfg.Cache.Spill))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(cfg.Cache.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("resolve disk path: %w", err)
	}
	cfg.Cache.DiskPath = absPath

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.memory_budget", "50MiB")
	v.SetDefault("cache.disk_budget", "500MiB")
	v.SetDefault("cache.disk_path", "respcache-data")
	v.SetDefault("cache.max_entry_size", "10MiB")
	v.SetDefault("cache.heuristic_freshness", "5m")
	v.SetDefault("cache.spill", SpillDisk)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.budget", "500MiB")

	v.SetDefault("client.user_agent", "respcache/1.0")
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("client.max_attempts", 3)
	v.SetDefault("client.initial_backoff", "500ms")
	v.SetDefault("client.max_backoff", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.compress", false)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("prefetch.concurrency", 8)
	v.SetDefault("prefetch.timeout", "15s")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.warning_threshold", 5)
	v.SetDefault("ratelimit.throttle_delay", "1s")
	v.SetDefault("ratelimit.max_block", "10m")
}

// Validate checks value ranges and the spill tier selection.
func (c *Config) Validate() error {
	switch {
	case c.Cache.MemoryBudget <= 0:
		return fmt.Errorf("%w: cache.memory_budget must be > 0", ErrInvalid)
	case c.Cache.Spill != SpillDisk && c.Cache.Spill != SpillRedis:
		return fmt.Errorf("%w: cache.spill must be %q or %q (got %q)", ErrInvalid, SpillDisk, SpillRedis, c.Cache.Spill)
	case c.Cache.Spill == SpillDisk && c.Cache.DiskBudget <= 0:
		return fmt.Errorf("%w: cache.disk_budget must be > 0", ErrInvalid)
	case c.Cache.Spill == SpillDisk && c.Cache.DiskPath == "":
		return fmt.Errorf("%w: cache.disk_path is required", ErrInvalid)
	case c.Cache.Spill == SpillRedis && c.Redis.Addr == "":
		return fmt.Errorf("%w: redis.addr is required", ErrInvalid)
	case c.Cache.Spill == SpillRedis && c.Redis.Budget <= 0:
		return fmt.Errorf("%w: redis.budget must be > 0", ErrInvalid)
	case c.Cache.MaxEntrySize < 0:
		return fmt.Errorf("%w: cache.max_entry_size must be >= 0", ErrInvalid)
	case c.Cache.HeuristicFreshness < 0:
		return fmt.Errorf("%w: cache.heuristic_freshness must be >= 0", ErrInvalid)
	case c.Client.UserAgent == "":
		return fmt.Errorf("%w: client.user_agent is required", ErrInvalid)
	case c.Client.MaxAttempts < 1:
		return fmt.Errorf("%w: client.max_attempts must be >= 1", ErrInvalid)
	case c.Prefetch.Concurrency < 1:
		return fmt.Errorf("%w: prefetch.concurrency must be >= 1", ErrInvalid)
	case c.RateLimit.Enabled && c.RateLimit.WarningThreshold < 1:
		return fmt.Errorf("%w: ratelimit.warning_threshold must be >= 1", ErrInvalid)
	}
	return nil
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return ByteSize(0), nil
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return ByteSize(n), nil
			}
			n, err := units.RAMInBytes(s)
			if err != nil {
				return nil, fmt.Errorf("parse byte size %q: %w", v, err)
			}
			return ByteSize(n), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported byte size type %T", v)
		}
	}
}
