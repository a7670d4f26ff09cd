package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryStore is the in-memory tier. It keeps entries in least-recently-used
// order and evicts from the cold end until the byte budget is met.
//
// Evicted entries stay pending until the caller claims them for spilling;
// a later Put or Remove of the same key cancels the pending spill.
type MemoryStore struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *CachedResponse]
	pending map[string]*CachedResponse
	usage   int64
	budget  int64
}

// NewMemoryStore creates a memory tier limited to budget bytes.
func NewMemoryStore(budget int64) *MemoryStore {
	// capacity is enforced in bytes, not entries
	lru, err := simplelru.NewLRU[string, *CachedResponse](math.MaxInt, nil)
	if err != nil {
		panic(err)
	}
	return &MemoryStore{lru: lru, pending: make(map[string]*CachedResponse), budget: budget}
}

// Get returns the entry for key and marks it most recently used.
func (s *MemoryStore) Get(key string) (*CachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(key)
}

// Peek returns the entry for key without updating its recency.
func (s *MemoryStore) Peek(key string) (*CachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Peek(key)
}

// Put inserts entry, replacing any entry with the same key, and returns the
// entries evicted to stay within budget, least recently used first.
// An entry larger than the whole budget is not inserted and is returned as evicted.
func (s *MemoryStore) Put(entry *CachedResponse) []*CachedResponse {
	size := entry.Size()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, entry.Key)
	if old, ok := s.lru.Peek(entry.Key); ok {
		s.lru.Remove(entry.Key)
		s.usage -= old.Size()
	}

	if size > s.budget {
		s.pending[entry.Key] = entry
		CacheSize.WithLabelValues(tierMemory).Set(float64(s.usage))
		return []*CachedResponse{entry}
	}

	s.lru.Add(entry.Key, entry)
	s.usage += size

	var evicted []*CachedResponse
	for s.usage > s.budget {
		_, victim, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		s.usage -= victim.Size()
		s.pending[victim.Key] = victim
		evicted = append(evicted, victim)
	}

	CacheEvictions.WithLabelValues(tierMemory).Add(float64(len(evicted)))
	CacheSize.WithLabelValues(tierMemory).Set(float64(s.usage))
	return evicted
}

// Claim reports whether entry is still pending after eviction and, if so,
// hands it over to the caller. It returns false when the eviction was
// superseded by a newer Put or cancelled by Remove.
func (s *MemoryStore) Claim(entry *CachedResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending[entry.Key] != entry {
		return false
	}
	delete(s.pending, entry.Key)
	return true
}

// Remove deletes the entry for key and cancels a pending spill of it.
// It reports whether a resident entry was present.
func (s *MemoryStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, key)
	old, ok := s.lru.Peek(key)
	if !ok {
		return false
	}
	s.lru.Remove(key)
	s.usage -= old.Size()
	CacheSize.WithLabelValues(tierMemory).Set(float64(s.usage))
	return true
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
	s.pending = make(map[string]*CachedResponse)
	s.usage = 0
	CacheSize.WithLabelValues(tierMemory).Set(0)
}

// Keys returns the stored keys from least to most recently used.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}

// Usage returns the bytes currently accounted to the tier.
func (s *MemoryStore) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Budget returns the configured byte budget.
func (s *MemoryStore) Budget() int64 {
	return s.budget
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
