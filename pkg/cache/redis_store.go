package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces the keys written by RedisStore.
const DefaultRedisPrefix = "respcache:"

// RedisStore is a spill tier backed by Redis, for processes that share one
// secondary tier. Records use the same encoding as DiskStore.
//
// Keys:
//
//	<prefix>entry:<key>  record bytes
//	<prefix>sizes        hash of key -> record size
//	<prefix>lru          sorted set of keys scored by access sequence
//	<prefix>seq          access sequence counter
//
// Usage is tracked by this process starting from the sizes hash; writers in
// other processes are not observed until the next NewRedisStore.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	budget int64
	logger zerolog.Logger

	mu    sync.Mutex
	usage int64
	count int
}

// NewRedisStore creates a Redis spill tier and bootstraps its usage from the
// sizes hash.
func NewRedisStore(ctx context.Context, redisClient *redis.Client, budget int64, logger zerolog.Logger) (*RedisStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("%w: redis client cannot be nil", ErrInvalidConfig)
	}

	s := &RedisStore{
		redis:  redisClient,
		prefix: DefaultRedisPrefix,
		budget: budget,
		logger: logger,
	}

	sizes, err := s.redis.HGetAll(ctx, s.sizesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	for key, v := range sizes {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.logger.Warn().Str("key", key).Msg("Dropping redis cache entry with unreadable size")
			_ = s.delete(ctx, key)
			continue
		}
		s.usage += n
		s.count++
	}

	s.mu.Lock()
	_, err = s.evictLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	CacheSize.WithLabelValues(tierRedis).Set(float64(s.usage))
	return s, nil
}

// Name implements SpillStore.
func (s *RedisStore) Name() string { return tierRedis }

// Get implements SpillStore.
func (s *RedisStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := s.redis.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := DecodeRecord(data)
	if err == nil && entry.Key != key {
		err = fmt.Errorf("%w: record holds key %q", ErrCorruptRecord, entry.Key)
	}
	if err != nil {
		CorruptRecords.Inc()
		_ = s.Remove(ctx, key)
		return nil, err
	}

	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis incr: %w", err)
	}
	// ZADD XX only refreshes recency of members that still exist
	if err := s.redis.ZAddXX(ctx, s.lruKey(), redis.Z{Score: float64(seq), Member: key}).Err(); err != nil {
		return nil, fmt.Errorf("redis zadd: %w", err)
	}

	return entry, nil
}

// Put implements SpillStore.
func (s *RedisStore) Put(ctx context.Context, entry *CachedResponse) ([]string, error) {
	data, err := EncodeRecord(entry)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeLocked(ctx, entry.Key); err != nil {
		return nil, err
	}

	if size > s.budget {
		CacheEvictions.WithLabelValues(tierRedis).Inc()
		return []string{entry.Key}, nil
	}

	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis incr: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.Key), data, 0)
		pipe.HSet(ctx, s.sizesKey(), entry.Key, size)
		pipe.ZAdd(ctx, s.lruKey(), redis.Z{Score: float64(seq), Member: entry.Key})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis set: %w", err)
	}
	s.usage += size
	s.count++

	evicted, err := s.evictLocked(ctx)
	CacheSize.WithLabelValues(tierRedis).Set(float64(s.usage))
	return evicted, err
}

// evictLocked discards least recently used entries until usage fits the budget.
func (s *RedisStore) evictLocked(ctx context.Context) ([]string, error) {
	var evicted []string
	for s.usage > s.budget {
		oldest, err := s.redis.ZRange(ctx, s.lruKey(), 0, 0).Result()
		if err != nil {
			return evicted, fmt.Errorf("redis zrange: %w", err)
		}
		if len(oldest) == 0 {
			break
		}
		if err := s.removeLocked(ctx, oldest[0]); err != nil {
			return evicted, err
		}
		evicted = append(evicted, oldest[0])
	}
	CacheEvictions.WithLabelValues(tierRedis).Add(float64(len(evicted)))
	return evicted, nil
}

// Remove implements SpillStore.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.removeLocked(ctx, key)
	CacheSize.WithLabelValues(tierRedis).Set(float64(s.usage))
	return err
}

func (s *RedisStore) removeLocked(ctx context.Context, key string) error {
	size, err := s.redis.HGet(ctx, s.sizesKey(), key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis hget: %w", err)
	}
	found := err == nil

	if err := s.delete(ctx, key); err != nil {
		return err
	}
	if found {
		s.usage -= size
		s.count--
	}
	return nil
}

func (s *RedisStore) delete(ctx context.Context, key string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(key))
		pipe.HDel(ctx, s.sizesKey(), key)
		pipe.ZRem(ctx, s.lruKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear implements SpillStore.
func (s *RedisStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.redis.HKeys(ctx, s.sizesKey()).Result()
	if err != nil {
		return fmt.Errorf("redis hkeys: %w", err)
	}
	for _, key := range keys {
		if err := s.delete(ctx, key); err != nil {
			return err
		}
	}
	s.usage = 0
	s.count = 0
	CacheSize.WithLabelValues(tierRedis).Set(0)
	return nil
}

// Usage implements SpillStore.
func (s *RedisStore) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Len implements SpillStore.
func (s *RedisStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close implements SpillStore. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) sizesKey() string          { return s.prefix + "sizes" }
func (s *RedisStore) lruKey() string            { return s.prefix + "lru" }
func (s *RedisStore) seqKey() string            { return s.prefix + "seq" }
