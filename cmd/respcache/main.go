// Command respcache fetches URLs through a two-tier HTTP response cache and
// maintains the persisted spill tier.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/respcache/internal/config"
	"github.com/Sternrassler/respcache/pkg/cache"
	"github.com/Sternrassler/respcache/pkg/client"
	"github.com/Sternrassler/respcache/pkg/logging"
	"github.com/Sternrassler/respcache/pkg/ratelimit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

var flagConfig string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "respcache",
		Short:         "HTTP response cache with a memory tier and a disk or Redis spill tier",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (yaml, toml or json)")

	rootCmd.AddCommand(
		newFetchCmd(),
		newServeCmd(),
		newWarmCmd(),
		newStatsCmd(),
		newPurgeCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration and configures the global logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	// an unusable log file falls back to stderr and is reported by Setup
	_, _ = logging.Setup(cfg.LoggingOptions())
	return cfg, logging.NewLogger("respcache"), nil
}

// app bundles the components a command works with.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	cache  *cache.Cache
	client *client.Client
	redis  *redis.Client
}

// openApp builds the cache, attaching the configured spill tier, and the client.
func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	rt := &app{cfg: cfg, logger: logger}

	cacheCfg := cfg.CacheOptions(logger.With().Str("component", "cache").Logger())
	cacheCfg.Observer = cache.NewLogObserver(logger.With().Str("component", "cache-events").Logger())

	if cfg.Cache.Spill == config.SpillRedis {
		store, rc, err := openRedisStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		rt.redis = rc
		cacheCfg.Spill = store
	}

	c, err := cache.New(cacheCfg)
	if err != nil {
		rt.closeRedis()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	rt.cache = c

	clientCfg := cfg.ClientOptions(c)
	if cfg.RateLimit.Enabled {
		var store ratelimit.StateStore = ratelimit.NewMemoryStateStore()
		if rt.redis != nil {
			store = ratelimit.NewRedisStateStore(rt.redis)
		}
		clientCfg.RateLimiter = ratelimit.NewTracker(store, cfg.RateLimitOptions(),
			logger.With().Str("component", "ratelimit").Logger())
	}

	cl, err := client.New(clientCfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	rt.client = cl

	return rt, nil
}

// openSpill opens only the configured spill tier, for maintenance commands.
func openSpill(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.SpillStore, func(), error) {
	if cfg.Cache.Spill == config.SpillRedis {
		store, rc, err := openRedisStore(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close(); rc.Close() }, nil
	}

	store, err := cache.OpenDiskStore(cfg.Cache.DiskPath, cfg.Cache.DiskBudget.Int64(), logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func openRedisStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*cache.RedisStore, *redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	store, err := cache.NewRedisStore(ctx, rc, cfg.Redis.Budget.Int64(), logger.With().Str("component", "redis-store").Logger())
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis spill tier")
	return store, rc, nil
}

func (rt *app) logUsage(when string) {
	u := rt.cache.Usage()
	rt.logger.Info().
		Str("when", when).
		Int64("memory_bytes", u.MemoryBytes).
		Int("memory_entries", u.MemoryEntries).
		Str("spill_tier", u.SpillTier).
		Int64("spill_bytes", u.SpillBytes).
		Int("spill_entries", u.SpillEntries).
		Msg("Cache usage")
}

// Close flushes the memory tier into the spill tier and releases connections.
func (rt *app) Close() {
	if rt.client != nil {
		rt.client.Close()
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Closing cache failed")
		}
	}
	rt.closeRedis()
}

func (rt *app) closeRedis() {
	if rt.redis != nil {
		rt.redis.Close()
	}
}
