package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// StateStore persists HostState per host.
type StateStore interface {
	// Get returns the state for host, or nil when none is known.
	Get(ctx context.Context, host string) (*HostState, error)
	// Set replaces the state for host.
	Set(ctx context.Context, host string, state *HostState) error
}

// MemoryStateStore keeps state in process.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]HostState
}

// NewMemoryStateStore creates an empty in-process store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]HostState)}
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(_ context.Context, host string) (*HostState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[host]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// Set implements StateStore.
func (s *MemoryStateStore) Set(_ context.Context, host string, state *HostState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[host] = *state
	return nil
}

// RedisStateStore shares state between processes through Redis.
// Each host is one msgpack value that expires a minute after its window ends.
type RedisStateStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStateStore creates a store on redisClient.
func NewRedisStateStore(redisClient *redis.Client) *RedisStateStore {
	return &RedisStateStore{redis: redisClient, prefix: DefaultRedisPrefix}
}

// Get implements StateStore.
func (s *RedisStateStore) Get(ctx context.Context, host string) (*HostState, error) {
	data, err := s.redis.Get(ctx, s.prefix+host).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	var st HostState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode rate limit state: %w", err)
	}
	return &st, nil
}

// Set implements StateStore.
func (s *RedisStateStore) Set(ctx context.Context, host string, state *HostState) error {
	data, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode rate limit state: %w", err)
	}

	ttl := time.Until(state.expiresAt()) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := s.redis.Set(ctx, s.prefix+host, data, ttl).Err(); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}
