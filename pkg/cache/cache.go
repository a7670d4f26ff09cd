package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LookupStatus is the outcome of a lookup.
type LookupStatus int

const (
	// Miss means no usable entry exists
	Miss LookupStatus = iota
	// Fresh means the entry may be served as is
	Fresh
	// Stale means the entry must be revalidated with its validators before use
	Stale
)

// String implements fmt.Stringer.
func (s LookupStatus) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// LookupResult is returned by Lookup.
type LookupResult struct {
	Status LookupStatus

	// Entry is a private copy of the stored response; nil on a miss
	Entry *CachedResponse

	// Validators to revalidate a stale entry with
	Validators Validators

	// Tier that answered ("memory", "disk", "redis"); empty on a miss
	Tier string
}

// Usage reports the bytes and entries held by each tier.
type Usage struct {
	MemoryBytes   int64  `json:"memory_bytes"`
	MemoryEntries int    `json:"memory_entries"`
	SpillTier     string `json:"spill_tier"`
	SpillBytes    int64  `json:"spill_bytes"`
	SpillEntries  int    `json:"spill_entries"`
}

// Cache is the entry point used by HTTP clients. It applies the Policy and
// coordinates the memory tier with the spill tier.
type Cache struct {
	policy Policy
	memory *MemoryStore
	spill  SpillStore
	locks  *keyLocks

	// indexLocks serializes updates of vary index records per base key
	indexLocks *keyLocks

	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

// New creates a cache. Unless cfg.Spill is set, the disk tier is opened at
// cfg.DiskStoragePath and recovers any records persisted by earlier runs.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		policy: Policy{
			MaxEntryBytes:      cfg.MaxEntryBytes,
			HeuristicFreshness: cfg.HeuristicFreshness,
		},
		memory:     NewMemoryStore(cfg.MemoryBudgetBytes),
		spill:      cfg.Spill,
		locks:      newKeyLocks(),
		indexLocks: newKeyLocks(),
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		now:        cfg.Clock,
	}
	if c.observer == nil {
		c.observer = NopObserver{}
	}
	if c.now == nil {
		c.now = time.Now
	}

	if c.spill == nil {
		disk, err := OpenDiskStore(cfg.DiskStoragePath, cfg.DiskBudgetBytes, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("open disk tier: %w", err)
		}
		c.spill = disk
	}

	return c, nil
}

// Policy returns the policy the cache applies.
func (c *Cache) Policy() Policy {
	return c.policy
}

// Lookup finds a stored response for the request. Memory is checked first,
// then the spill tier; spill hits are promoted into memory.
//
// An entry that needs revalidation is returned as Stale with its validators.
// If it is expired and has neither ETag nor Last-Modified there is nothing to
// revalidate with, so it is removed and the lookup reports a Miss. This
// includes a max-age=0 response stored without validators.
func (c *Cache) Lookup(ctx context.Context, method, rawURL string, reqHeader http.Header) LookupResult {
	base, err := c.policy.ComputeKey(method, rawURL, nil)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", rawURL).Msg("Lookup with unusable url")
		return c.miss("")
	}
	if c.policy.BypassesCache(reqHeader) {
		return c.miss(base.String())
	}

	entry, tier := c.get(ctx, base.String())
	if entry != nil && entry.IsVaryIndex() {
		variant := base.WithVariant(entry.VariantID, entry.Vary, reqHeader)
		entry, tier = c.get(ctx, variant.String())
	}
	if entry == nil {
		return c.miss(base.String())
	}

	now := c.now()
	if !c.policy.NeedsRevalidation(entry, reqHeader, now) {
		CacheHits.WithLabelValues(tier).Inc()
		c.observer.OnLookup(LookupEvent{Key: entry.Key, Status: Fresh, Tier: tier})
		c.logger.Debug().Str("key", entry.Key).Str("tier", tier).Dur("ttl", entry.TTL(now)).Msg("Cache hit")
		return LookupResult{Status: Fresh, Entry: entry.Clone(), Validators: entry.Validators(), Tier: tier}
	}

	if entry.IsExpired(now) && entry.Validators().IsZero() {
		// expired with nothing to revalidate against: it can never be served again
		c.remove(ctx, entry.Key)
		return c.miss(entry.Key)
	}

	CacheStaleHits.Inc()
	c.observer.OnLookup(LookupEvent{Key: entry.Key, Status: Stale, Tier: tier})
	c.logger.Debug().Str("key", entry.Key).Str("tier", tier).Str("etag", entry.ETag).Msg("Stale cache hit")
	return LookupResult{Status: Stale, Entry: entry.Clone(), Validators: entry.Validators(), Tier: tier}
}

func (c *Cache) miss(key string) LookupResult {
	CacheMisses.Inc()
	c.observer.OnLookup(LookupEvent{Key: key, Status: Miss})
	return LookupResult{Status: Miss}
}

// Store offers a response to the cache. It returns nil when the response was
// stored, an error wrapping ErrNotStorable when the caching rules forbid it, or
// an error wrapping ErrTooLarge when it exceeds the entry size ceiling. In both
// rejection cases any previously stored response for the request is removed.
// Spill tier failures are reported to the observer, never returned.
func (c *Cache) Store(ctx context.Context, method, rawURL string, reqHeader http.Header, status int, respHeader http.Header, body []byte) error {
	base, err := c.policy.ComputeKey(method, rawURL, nil)
	if err != nil {
		return err
	}

	if isUnsafeMethod(method) && status >= 200 && status < 400 {
		// a successful unsafe request invalidates what was cached for the URL
		if getKey, err := c.policy.ComputeKey(http.MethodGet, rawURL, nil); err == nil {
			c.invalidateKey(ctx, getKey)
		}
	}

	now := c.now()
	entry := c.newEntry(base.String(), status, respHeader, body, now)

	if !c.policy.IsStorable(method, status, respHeader) || !c.policy.IsStorableRequest(reqHeader) {
		return c.reject(ctx, base, entry, fmt.Errorf("%w (%s, status %d)", ErrNotStorable, strings.ToUpper(method), status))
	}
	if err := c.policy.CheckSize(entry.Size()); err != nil {
		return c.reject(ctx, base, entry, err)
	}

	unlockIndex := c.indexLocks.lock(base.String())
	idx, _ := c.get(ctx, base.String())
	vary, _ := parseVary(respHeader)
	if len(vary) > 0 {
		variantID, variants := uuid.NewString(), []string(nil)
		if idx != nil && idx.IsVaryIndex() && equalStrings(idx.Vary, vary) {
			variantID, variants = idx.VariantID, idx.Variants
		} else {
			// a different header set starts a new variant group
			c.dropVariants(ctx, idx)
		}
		entry.Key = base.WithVariant(variantID, vary, reqHeader).String()
		entry.Vary = vary
		entry.VariantID = variantID

		c.put(ctx, &CachedResponse{
			Key:       base.String(),
			StoredAt:  now,
			Vary:      vary,
			VariantID: variantID,
			Variants:  appendMissing(variants, entry.Key),
		})
	} else {
		c.dropVariants(ctx, idx)
	}
	c.put(ctx, entry)
	unlockIndex()

	CacheStores.WithLabelValues("stored").Inc()
	c.observer.OnStore(StoreEvent{Key: entry.Key, Size: entry.Size()})
	c.logger.Debug().
		Str("key", entry.Key).
		Int("status", status).
		Int64("size", entry.Size()).
		Dur("lifetime", entry.Lifetime).
		Msg("Stored response")
	return nil
}

func (c *Cache) reject(ctx context.Context, base CacheKey, entry *CachedResponse, reason error) error {
	c.invalidateKey(ctx, base)

	outcome := "not_storable"
	if errors.Is(reason, ErrTooLarge) {
		outcome = "too_large"
	}
	CacheStores.WithLabelValues(outcome).Inc()
	c.observer.OnStore(StoreEvent{Key: entry.Key, Size: entry.Size(), Err: reason})
	c.logger.Debug().Str("key", entry.Key).Str("reason", reason.Error()).Msg("Response not stored")
	return reason
}

func (c *Cache) newEntry(key string, status int, header http.Header, body []byte, now time.Time) *CachedResponse {
	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	entry := &CachedResponse{
		Key:        key,
		StatusCode: status,
		Header:     header,
		Body:       append([]byte(nil), body...),
		StoredAt:   now,
		Lifetime:   c.policy.FreshnessLifetime(header, now),
		InitialAge: c.policy.InitialAge(header, now),
		ETag:       header.Get("ETag"),
	}
	if lm, err := http.ParseTime(header.Get("Last-Modified")); err == nil {
		entry.LastModified = lm
	}
	return entry
}

// Freshen applies a 304 Not Modified response to the stored entry for the
// request: stored headers are updated with the 304's headers and the entry is
// replaced with a new one whose age starts now. It returns a copy of the
// replacement, or ErrCacheMiss when nothing matching is stored.
func (c *Cache) Freshen(ctx context.Context, method, rawURL string, reqHeader http.Header, notModified http.Header) (*CachedResponse, error) {
	base, err := c.policy.ComputeKey(method, rawURL, nil)
	if err != nil {
		return nil, err
	}

	entry, _ := c.get(ctx, base.String())
	if entry != nil && entry.IsVaryIndex() {
		entry, _ = c.get(ctx, base.WithVariant(entry.VariantID, entry.Vary, reqHeader).String())
	}
	if entry == nil {
		return nil, ErrCacheMiss
	}

	if etag := notModified.Get("ETag"); etag != "" && entry.ETag != "" && etag != entry.ETag {
		// the 304 describes a different representation
		c.remove(ctx, entry.Key)
		return nil, ErrCacheMiss
	}

	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for name, values := range notModified {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Content-Encoding", "Transfer-Encoding", "Content-Range":
			continue
		}
		header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}

	now := c.now()
	fresh := c.newEntry(entry.Key, entry.StatusCode, header, entry.Body, now)
	fresh.Vary = entry.Vary
	fresh.VariantID = entry.VariantID
	if fresh.ETag == "" {
		fresh.ETag = entry.ETag
	}
	if fresh.LastModified.IsZero() {
		fresh.LastModified = entry.LastModified
	}

	c.put(ctx, fresh)
	NotModifiedResponses.Inc()
	c.logger.Debug().Str("key", fresh.Key).Dur("lifetime", fresh.Lifetime).Msg("Freshened entry")
	return fresh.Clone(), nil
}

// Invalidate removes the stored response for the request from both tiers.
func (c *Cache) Invalidate(ctx context.Context, method, rawURL string) {
	base, err := c.policy.ComputeKey(method, rawURL, nil)
	if err != nil {
		return
	}
	c.invalidateKey(ctx, base)
}

// invalidateKey removes the base key and, for a vary index, every variant
// stored under it.
func (c *Cache) invalidateKey(ctx context.Context, base CacheKey) {
	baseKey := base.String()
	unlock := c.indexLocks.lock(baseKey)
	defer unlock()

	idx, _ := c.get(ctx, baseKey)
	c.dropVariants(ctx, idx)
	c.remove(ctx, baseKey)
}

// dropVariants removes the variants listed by idx from both tiers. It does
// nothing unless idx is a vary index.
func (c *Cache) dropVariants(ctx context.Context, idx *CachedResponse) {
	if idx == nil || !idx.IsVaryIndex() {
		return
	}
	for _, key := range idx.Variants {
		c.remove(ctx, key)
	}
}

// Usage reports the current usage of both tiers.
func (c *Cache) Usage() Usage {
	return Usage{
		MemoryBytes:   c.memory.Usage(),
		MemoryEntries: c.memory.Len(),
		SpillTier:     c.spill.Name(),
		SpillBytes:    c.spill.Usage(),
		SpillEntries:  c.spill.Len(),
	}
}

// Clear removes every entry from both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.memory.Clear()
	if err := c.spill.Clear(ctx); err != nil {
		c.reportError("clear", "", err)
		return err
	}
	return nil
}

// Close moves memory-resident entries into the spill tier, least recently
// used first, and releases it. Persisted records survive for the next New.
func (c *Cache) Close() error {
	ctx := context.Background()
	for _, key := range c.memory.Keys() {
		unlock := c.locks.lock(key)
		if e, ok := c.memory.Peek(key); ok {
			if _, err := c.spill.Put(ctx, e); err != nil {
				c.reportError("put", key, err)
			}
			c.memory.Remove(key)
		}
		unlock()
	}
	return c.spill.Close()
}

// get returns the entry for key from memory or, promoting it, from the spill tier.
func (c *Cache) get(ctx context.Context, key string) (*CachedResponse, string) {
	if e, ok := c.memory.Get(key); ok {
		return e, tierMemory
	}

	unlock := c.locks.lock(key)
	// a concurrent promotion may have finished while waiting
	if e, ok := c.memory.Get(key); ok {
		unlock()
		return e, tierMemory
	}

	e, err := c.spill.Get(ctx, key)
	if err != nil {
		unlock()
		if !errors.Is(err, ErrCacheMiss) {
			c.reportError("get", key, err)
		}
		return nil, ""
	}

	evicted := c.memory.Put(e)
	if !containsEntry(evicted, e) {
		if err := c.spill.Remove(ctx, key); err != nil {
			c.reportError("remove", key, err)
		}
	} else {
		// too large for memory: it stays in the spill tier
		c.memory.Claim(e)
		evicted = withoutEntry(evicted, e)
	}
	unlock()

	c.spillEvicted(ctx, evicted)
	return e, c.spill.Name()
}

// put writes entry to memory, drops any spilled copy of its key and spills
// whatever memory evicted.
func (c *Cache) put(ctx context.Context, entry *CachedResponse) {
	unlock := c.locks.lock(entry.Key)
	evicted := c.memory.Put(entry)
	if err := c.spill.Remove(ctx, entry.Key); err != nil {
		c.reportError("remove", entry.Key, err)
	}
	unlock()

	c.spillEvicted(ctx, evicted)
}

func (c *Cache) remove(ctx context.Context, key string) {
	unlock := c.locks.lock(key)
	defer unlock()

	c.memory.Remove(key)
	if err := c.spill.Remove(ctx, key); err != nil {
		c.reportError("remove", key, err)
	}
}

// spillEvicted moves entries evicted from memory into the spill tier, one key
// lock at a time. Entries whose eviction was superseded meanwhile are dropped.
func (c *Cache) spillEvicted(ctx context.Context, evicted []*CachedResponse) {
	for _, e := range evicted {
		c.spillOne(ctx, e)
	}
}

func (c *Cache) spillOne(ctx context.Context, e *CachedResponse) {
	unlock := c.locks.lock(e.Key)
	defer unlock()

	if !c.memory.Claim(e) {
		c.observer.OnEvict(EvictEvent{Key: e.Key, Tier: tierMemory})
		return
	}

	discarded, err := c.spill.Put(ctx, e)
	if err != nil {
		c.reportError("put", e.Key, err)
		c.observer.OnEvict(EvictEvent{Key: e.Key, Tier: tierMemory})
		return
	}

	spilled := true
	for _, key := range discarded {
		if key == e.Key {
			spilled = false
			continue
		}
		c.observer.OnEvict(EvictEvent{Key: key, Tier: c.spill.Name()})
	}
	if spilled {
		CacheSpills.Inc()
	}
	c.observer.OnEvict(EvictEvent{Key: e.Key, Tier: tierMemory, Spilled: spilled})
}

func (c *Cache) reportError(op, key string, err error) {
	CacheErrors.WithLabelValues(op).Inc()
	c.logger.Warn().Err(err).Str("op", op).Str("key", key).Str("tier", c.spill.Name()).Msg("Spill tier error")
	c.observer.OnError(ErrorEvent{Op: op, Key: key, Tier: c.spill.Name(), Err: err})
}

func isUnsafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

func containsEntry(entries []*CachedResponse, e *CachedResponse) bool {
	for _, x := range entries {
		if x == e {
			return true
		}
	}
	return false
}

func withoutEntry(entries []*CachedResponse, e *CachedResponse) []*CachedResponse {
	out := entries[:0]
	for _, x := range entries {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

func appendMissing(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return append([]string(nil), keys...)
		}
	}
	return append(append([]string(nil), keys...), key)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
