package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
)

const (
	recordExt  = ".rec"
	tempPrefix = ".tmp-"
)

// DiskStore is the on-disk spill tier. Each entry is one record file named by
// the xxhash of its key; the in-memory index keeps least-recently-used order
// and the byte accounting.
type DiskStore struct {
	root   string
	budget int64
	logger zerolog.Logger

	mu    sync.RWMutex
	index *simplelru.LRU[string, diskEntry]
	usage int64
	gen   uint64

	recovery RecoveryReport
}

type diskEntry struct {
	key  string
	size int64
	gen  uint64
}

// RecoveryReport summarizes the startup scan of a DiskStore.
type RecoveryReport struct {
	// Entries is the number of valid records recovered
	Entries int
	// Bytes is the recovered usage
	Bytes int64
	// Discarded is the number of corrupt or leftover files deleted
	Discarded int
	// Evicted is the number of valid records evicted because they exceeded the budget
	Evicted int
}

// OpenDiskStore opens (creating if needed) a disk tier rooted at root and
// rebuilds its index from the records found there. Records failing integrity
// checks are deleted; they never abort startup.
func OpenDiskStore(root string, budget int64, logger zerolog.Logger) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: disk storage path required", ErrInvalidConfig)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	index, err := simplelru.NewLRU[string, diskEntry](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}

	s := &DiskStore{
		root:   abs,
		budget: budget,
		logger: logger,
		index:  index,
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("path", abs).
		Int("entries", s.recovery.Entries).
		Int64("bytes", s.recovery.Bytes).
		Int("discarded", s.recovery.Discarded).
		Int("evicted", s.recovery.Evicted).
		Msg("Disk cache recovered")

	return s, nil
}

type recoveredRecord struct {
	name    string
	key     string
	size    int64
	modTime time.Time
}

func (s *DiskStore) load() error {
	var found []recoveredRecord

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		base := d.Name()
		if strings.HasPrefix(base, tempPrefix) {
			s.discard(path, "leftover temp file")
			return nil
		}
		if filepath.Ext(base) != recordExt {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.discard(path, err.Error())
			return nil
		}
		entry, err := DecodeRecord(data)
		if err != nil {
			s.discard(path, err.Error())
			return nil
		}
		name := strings.TrimSuffix(base, recordExt)
		if name != recordName(entry.Key) {
			s.discard(path, "record stored under foreign name")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.discard(path, err.Error())
			return nil
		}
		found = append(found, recoveredRecord{
			name:    name,
			key:     entry.Key,
			size:    int64(len(data)),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan storage path: %w", err)
	}

	// oldest access first, so the recency list is rebuilt in order
	sort.Slice(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.Before(found[j].modTime)
		}
		return found[i].name < found[j].name
	})

	for _, r := range found {
		s.gen++
		s.index.Add(r.name, diskEntry{key: r.key, size: r.size, gen: s.gen})
		s.usage += r.size
	}
	for s.usage > s.budget {
		if _, ok := s.evictOldest(); !ok {
			break
		}
		s.recovery.Evicted++
	}

	s.recovery.Entries = s.index.Len()
	s.recovery.Bytes = s.usage
	CacheSize.WithLabelValues(tierDisk).Set(float64(s.usage))
	return nil
}

func (s *DiskStore) discard(path, reason string) {
	s.recovery.Discarded++
	CorruptRecords.Inc()
	s.logger.Warn().Str("file", path).Str("reason", reason).Msg("Discarding unreadable cache record")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("file", path).Msg("Failed to delete cache record")
	}
}

// Name implements SpillStore.
func (s *DiskStore) Name() string { return tierDisk }

// Recovery returns the result of the startup scan.
func (s *DiskStore) Recovery() RecoveryReport {
	return s.recovery
}

// Get implements SpillStore. A corrupt record is deleted and reported as an
// error wrapping ErrCorruptRecord.
func (s *DiskStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := recordName(key)
	path := s.path(name)

	s.mu.RLock()
	meta, ok := s.index.Peek(name)
	if !ok || meta.key != key {
		s.mu.RUnlock()
		return nil, ErrCacheMiss
	}
	data, err := os.ReadFile(path)
	s.mu.RUnlock()

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.drop(name, meta.gen)
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	entry, err := DecodeRecord(data)
	if err == nil && entry.Key != key {
		err = fmt.Errorf("%w: record holds key %q", ErrCorruptRecord, entry.Key)
	}
	if err != nil {
		CorruptRecords.Inc()
		s.drop(name, meta.gen)
		return nil, err
	}

	s.mu.Lock()
	if current, ok := s.index.Peek(name); ok && current.gen == meta.gen {
		s.index.Get(name)
		now := time.Now()
		// mtime carries access order across restarts
		_ = os.Chtimes(path, now, now)
	}
	s.mu.Unlock()

	return entry, nil
}

// drop removes a record that turned out unreadable, unless it was replaced meanwhile.
func (s *DiskStore) drop(name string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.index.Peek(name)
	if !ok || meta.gen != gen {
		return
	}
	s.index.Remove(name)
	s.usage -= meta.size
	_ = os.Remove(s.path(name))
	CacheSize.WithLabelValues(tierDisk).Set(float64(s.usage))
}

// Put implements SpillStore.
func (s *DiskStore) Put(ctx context.Context, entry *CachedResponse) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := EncodeRecord(entry)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	name := recordName(entry.Key)
	path := s.path(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.index.Peek(name); ok {
		s.index.Remove(name)
		s.usage -= old.size
	}

	if size > s.budget {
		_ = os.Remove(path)
		CacheEvictions.WithLabelValues(tierDisk).Inc()
		CacheSize.WithLabelValues(tierDisk).Set(float64(s.usage))
		return []string{entry.Key}, nil
	}

	if err := writeFileAtomic(path, data); err != nil {
		// never leave an older, unindexed record behind
		_ = os.Remove(path)
		CacheSize.WithLabelValues(tierDisk).Set(float64(s.usage))
		return nil, fmt.Errorf("write record: %w", err)
	}

	s.gen++
	s.index.Add(name, diskEntry{key: entry.Key, size: size, gen: s.gen})
	s.usage += size

	var evicted []string
	for s.usage > s.budget {
		key, ok := s.evictOldest()
		if !ok {
			break
		}
		evicted = append(evicted, key)
	}

	CacheEvictions.WithLabelValues(tierDisk).Add(float64(len(evicted)))
	CacheSize.WithLabelValues(tierDisk).Set(float64(s.usage))
	return evicted, nil
}

// evictOldest removes the least recently used record. Callers hold s.mu.
func (s *DiskStore) evictOldest() (string, bool) {
	name, meta, ok := s.index.RemoveOldest()
	if !ok {
		return "", false
	}
	s.usage -= meta.size
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("key", meta.key).Msg("Failed to delete evicted cache record")
	}
	return meta.key, true
}

// Remove implements SpillStore.
func (s *DiskStore) Remove(ctx context.Context, key string) error {
	name := recordName(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.index.Peek(name)
	if !ok || meta.key != key {
		return nil
	}
	s.index.Remove(name)
	s.usage -= meta.size
	CacheSize.WithLabelValues(tierDisk).Set(float64(s.usage))

	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Clear implements SpillStore.
func (s *DiskStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, name := range s.index.Keys() {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = fmt.Errorf("remove record: %w", err)
		}
	}
	s.index.Purge()
	s.usage = 0
	CacheSize.WithLabelValues(tierDisk).Set(0)
	return firstErr
}

// Keys returns the stored keys from least to most recently used.
func (s *DiskStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := s.index.Keys()
	keys := make([]string, 0, len(names))
	for _, name := range names {
		if meta, ok := s.index.Peek(name); ok {
			keys = append(keys, meta.key)
		}
	}
	return keys
}

// Usage implements SpillStore.
func (s *DiskStore) Usage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

// Budget returns the configured byte budget.
func (s *DiskStore) Budget() int64 {
	return s.budget
}

// Len implements SpillStore.
func (s *DiskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// Close implements SpillStore. Records stay on disk for the next OpenDiskStore.
func (s *DiskStore) Close() error {
	return nil
}

// RecordPath returns the file a key is persisted in.
func (s *DiskStore) RecordPath(key string) string {
	return s.path(recordName(key))
}

func (s *DiskStore) path(name string) string {
	return filepath.Join(s.root, name[:2], name+recordExt)
}

func recordName(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// writeFileAtomic writes data next to path and renames it into place so a
// crash never leaves a half-written record under the final name.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
