package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingObserver collects every event it receives.
type recordingObserver struct {
	mu      sync.Mutex
	lookups []LookupEvent
	stores  []StoreEvent
	evicts  []EvictEvent
	errors  []ErrorEvent
}

func (o *recordingObserver) OnLookup(e LookupEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lookups = append(o.lookups, e)
}

func (o *recordingObserver) OnStore(e StoreEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stores = append(o.stores, e)
}

func (o *recordingObserver) OnEvict(e EvictEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evicts = append(o.evicts, e)
}

func (o *recordingObserver) OnError(e ErrorEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, e)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		MemoryBudgetBytes:  1 << 20,
		DiskBudgetBytes:    1 << 20,
		DiskStoragePath:    t.TempDir(),
		MaxEntryBytes:      4096,
		HeuristicFreshness: 5 * time.Minute,
		Logger:             zerolog.Nop(),
		Clock:              newTestClock().Now,
	}
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func cacheableHeader() http.Header {
	return http.Header{"Cache-Control": []string{"max-age=3600"}}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(t)
	cfg.DiskStoragePath = ""
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCache_StoreThenLookupFresh(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))

	hdr := http.Header{
		"Cache-Control": []string{"max-age=3600"},
		"Content-Type":  []string{"application/json"},
		"X-Multi":       []string{"a", "b"},
	}
	body := []byte(`{"id":1}`)

	require.NoError(t, c.Store(ctx, "GET", "https://example.com/items?b=2&a=1", nil, 200, hdr, body))

	res := c.Lookup(ctx, "GET", "https://EXAMPLE.com:443/items?a=1&b=2", nil)
	require.Equal(t, Fresh, res.Status)
	assert.Equal(t, body, res.Entry.Body)
	assert.Equal(t, hdr, res.Entry.Header)
	assert.Equal(t, 200, res.Entry.StatusCode)
	assert.Equal(t, tierMemory, res.Tier)

	// the returned entry is a private copy
	res.Entry.Body[0] = 'X'
	again := c.Lookup(ctx, "GET", "https://example.com/items?a=1&b=2", nil)
	assert.Equal(t, body, again.Entry.Body)
}

func TestCache_FreshUntilLifetimeElapses(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cfg := testConfig(t)
	cfg.Clock = clock.Now
	c := newTestCache(t, cfg)

	hdr := http.Header{"Cache-Control": []string{"max-age=60"}}
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/a", nil, 200, hdr, []byte("a")))

	clock.Advance(59 * time.Second)
	assert.Equal(t, Fresh, c.Lookup(ctx, "GET", "https://example.com/a", nil).Status)

	clock.Advance(time.Second)
	// no validators: the expired entry is dropped
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", "https://example.com/a", nil).Status)
	assert.Zero(t, c.Usage().MemoryEntries)
}

func TestCache_MaxAgeZeroIsStale(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))

	lm := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hdr := http.Header{
		"Cache-Control": []string{"max-age=0"},
		"Etag":          []string{`"v1"`},
		"Last-Modified": []string{lm.Format(http.TimeFormat)},
	}
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/a", nil, 200, hdr, []byte("a")))

	res := c.Lookup(ctx, "GET", "https://example.com/a", nil)
	require.Equal(t, Stale, res.Status)
	assert.Equal(t, `"v1"`, res.Validators.ETag)
	assert.True(t, res.Validators.LastModified.Equal(lm))
	assert.Equal(t, hdr, res.Entry.Header)
}

func TestCache_MaxAgeZeroWithoutValidatorsIsMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))

	hdr := http.Header{"Cache-Control": []string{"max-age=0"}}
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/a", nil, 200, hdr, []byte("a")))
	require.Equal(t, 1, c.Usage().MemoryEntries)

	assert.Equal(t, Miss, c.Lookup(ctx, "GET", "https://example.com/a", nil).Status)
	assert.Equal(t, 0, c.Usage().MemoryEntries)
}

func TestCache_NonCacheableInvalidates(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		reqHeader http.Header
		status    int
		header    http.Header
	}{
		{name: "response no-store", method: "GET", status: 200, header: http.Header{"Cache-Control": []string{"no-store"}}},
		{name: "request no-store", method: "GET", reqHeader: http.Header{"Cache-Control": []string{"no-store"}}, status: 200, header: cacheableHeader()},
		{name: "uncacheable status", method: "GET", status: 500, header: http.Header{}},
		{name: "vary star", method: "GET", status: 200, header: http.Header{"Vary": []string{"*"}}},
		{name: "unsafe method", method: "POST", status: 201, header: cacheableHeader()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := newTestCache(t, testConfig(t))
			u := "https://example.com/a"

			require.NoError(t, c.Store(ctx, "GET", u, nil, 200, cacheableHeader(), []byte("old")))
			require.Equal(t, Fresh, c.Lookup(ctx, "GET", u, nil).Status)

			err := c.Store(ctx, tt.method, u, tt.reqHeader, tt.status, tt.header, []byte("new"))
			assert.ErrorIs(t, err, ErrNotStorable)
			assert.NotErrorIs(t, err, ErrTooLarge)

			assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, nil).Status)
		})
	}
}

func TestCache_TooLarge(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/big"

	require.NoError(t, c.Store(ctx, "GET", u, nil, 200, cacheableHeader(), []byte("small")))

	err := c.Store(ctx, "GET", u, nil, 200, cacheableHeader(), make([]byte, 5000))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.NotErrorIs(t, err, ErrNotStorable)
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, nil).Status)
}

func TestCache_RequestNoStoreBypassesLookup(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/a"

	require.NoError(t, c.Store(ctx, "GET", u, nil, 200, cacheableHeader(), []byte("a")))

	res := c.Lookup(ctx, "GET", u, http.Header{"Cache-Control": []string{"no-store"}})
	assert.Equal(t, Miss, res.Status)
	assert.Equal(t, Fresh, c.Lookup(ctx, "GET", u, nil).Status)
}

func TestCache_RequestNoCacheForcesRevalidation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/a"

	hdr := cacheableHeader()
	hdr.Set("ETag", `"v1"`)
	require.NoError(t, c.Store(ctx, "GET", u, nil, 200, hdr, []byte("a")))

	res := c.Lookup(ctx, "GET", u, http.Header{"Cache-Control": []string{"no-cache"}})
	assert.Equal(t, Stale, res.Status)
	assert.Equal(t, `"v1"`, res.Validators.ETag)
}

func TestCache_InvalidURL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))

	err := c.Store(ctx, "GET", "/relative", nil, 200, cacheableHeader(), []byte("a"))
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", "/relative", nil).Status)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 100
	c := newTestCache(t, cfg)

	// first entry is spilled to disk by the second
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/1", nil, 200, cacheableHeader(), make([]byte, 40)))
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/2", nil, 200, cacheableHeader(), make([]byte, 40)))
	require.Equal(t, 1, c.Usage().SpillEntries)

	c.Invalidate(ctx, "GET", "https://example.com/1")
	c.Invalidate(ctx, "GET", "https://example.com/2")

	assert.Equal(t, Miss, c.Lookup(ctx, "GET", "https://example.com/1", nil).Status)
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", "https://example.com/2", nil).Status)
	assert.Equal(t, Usage{SpillTier: tierDisk}, c.Usage())
}

func TestCache_SpillAndPromote(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 100
	cfg.Observer = obs
	c := newTestCache(t, cfg)

	// each entry is 40 body bytes + 25 header bytes
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/1", nil, 200, cacheableHeader(), []byte(fmt.Sprintf("%040d", 1))))
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/2", nil, 200, cacheableHeader(), []byte(fmt.Sprintf("%040d", 2))))

	usage := c.Usage()
	assert.Equal(t, 1, usage.MemoryEntries)
	assert.Equal(t, int64(65), usage.MemoryBytes)
	assert.Equal(t, 1, usage.SpillEntries)

	res := c.Lookup(ctx, "GET", "https://example.com/1", nil)
	require.Equal(t, Fresh, res.Status)
	assert.Equal(t, tierDisk, res.Tier)
	assert.Equal(t, fmt.Sprintf("%040d", 1), string(res.Entry.Body))

	// promotion swapped the tiers
	res = c.Lookup(ctx, "GET", "https://example.com/1", nil)
	assert.Equal(t, tierMemory, res.Tier)
	res = c.Lookup(ctx, "GET", "https://example.com/2", nil)
	assert.Equal(t, tierDisk, res.Tier)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.NotEmpty(t, obs.evicts)
	assert.Equal(t, EvictEvent{Key: "GET https://example.com/1", Tier: tierMemory, Spilled: true}, obs.evicts[0])
	assert.Len(t, obs.stores, 2)
	assert.Empty(t, obs.errors)
}

func TestCache_OversizedForMemoryGoesToDisk(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 50
	c := newTestCache(t, cfg)

	require.NoError(t, c.Store(ctx, "GET", "https://example.com/big", nil, 200, cacheableHeader(), make([]byte, 100)))

	res := c.Lookup(ctx, "GET", "https://example.com/big", nil)
	require.Equal(t, Fresh, res.Status)
	assert.Equal(t, tierDisk, res.Tier)
	assert.Zero(t, c.Usage().MemoryEntries)
	assert.Equal(t, 1, c.Usage().SpillEntries)
}

func TestCache_RestartRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := New(cfg)
	require.NoError(t, err)

	body := []byte("persisted across restarts \x00\xff")
	hdr := cacheableHeader()
	hdr.Set("Content-Type", "application/octet-stream")
	require.NoError(t, first.Store(ctx, "GET", "https://example.com/p", nil, 200, hdr, body))
	require.NoError(t, first.Close())

	second := newTestCache(t, cfg)
	res := second.Lookup(ctx, "GET", "https://example.com/p", nil)
	require.Equal(t, Fresh, res.Status)
	assert.Equal(t, tierDisk, res.Tier)
	assert.Equal(t, body, res.Entry.Body)
	assert.Equal(t, hdr, res.Entry.Header)
}

func TestCache_CorruptSpillRecordIsMiss(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 100
	cfg.Observer = obs
	c := newTestCache(t, cfg)

	require.NoError(t, c.Store(ctx, "GET", "https://example.com/1", nil, 200, cacheableHeader(), make([]byte, 40)))
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/2", nil, 200, cacheableHeader(), make([]byte, 40)))

	disk := c.spill.(*DiskStore)
	require.NoError(t, os.WriteFile(disk.RecordPath("GET https://example.com/1"), []byte("RSP1 truncated"), 0o644))

	assert.Equal(t, Miss, c.Lookup(ctx, "GET", "https://example.com/1", nil).Status)
	assert.Equal(t, Fresh, c.Lookup(ctx, "GET", "https://example.com/2", nil).Status)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.errors, 1)
	assert.ErrorIs(t, obs.errors[0].Err, ErrCorruptRecord)
	assert.Equal(t, "get", obs.errors[0].Op)
}

func TestCache_Vary(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/negotiated"

	respHeader := cacheableHeader()
	respHeader.Set("Vary", "Accept")
	jsonReq := http.Header{"Accept": []string{"application/json"}}
	htmlReq := http.Header{"Accept": []string{"text/html"}}

	require.NoError(t, c.Store(ctx, "GET", u, jsonReq, 200, respHeader, []byte(`{}`)))

	res := c.Lookup(ctx, "GET", u, jsonReq)
	require.Equal(t, Fresh, res.Status)
	assert.Equal(t, `{}`, string(res.Entry.Body))
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, htmlReq).Status)

	require.NoError(t, c.Store(ctx, "GET", u, htmlReq, 200, respHeader, []byte(`<p>`)))
	assert.Equal(t, `{}`, string(c.Lookup(ctx, "GET", u, jsonReq).Entry.Body))
	assert.Equal(t, `<p>`, string(c.Lookup(ctx, "GET", u, htmlReq).Entry.Body))

	c.Invalidate(ctx, "GET", u)
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, jsonReq).Status)
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, htmlReq).Status)

	require.NoError(t, c.Store(ctx, "GET", u, jsonReq, 200, respHeader, []byte(`{"v":2}`)))
	assert.Equal(t, `{"v":2}`, string(c.Lookup(ctx, "GET", u, jsonReq).Entry.Body))
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, htmlReq).Status)
}

func varyStore(t *testing.T, c *Cache, u, varyOn string, reqHeader http.Header, size int) {
	t.Helper()
	respHeader := cacheableHeader()
	if varyOn != "" {
		respHeader.Set("Vary", varyOn)
	}
	require.NoError(t, c.Store(context.Background(), "GET", u, reqHeader, 200, respHeader, make([]byte, size)))
}

func TestCache_InvalidateRemovesVariants(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/negotiated"

	for _, accept := range []string{"application/json", "text/html", "text/plain"} {
		varyStore(t, c, u, "Accept", http.Header{"Accept": []string{accept}}, 1000)
	}
	// index plus three variants
	require.Equal(t, 4, c.Usage().MemoryEntries)

	c.Invalidate(ctx, "GET", u)

	usage := c.Usage()
	assert.Equal(t, 0, usage.MemoryEntries)
	assert.Equal(t, int64(0), usage.MemoryBytes)
	assert.Equal(t, 0, usage.SpillEntries)
}

func TestCache_InvalidateRemovesSpilledVariants(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 1500
	c := newTestCache(t, cfg)
	u := "https://example.com/negotiated"

	for _, accept := range []string{"application/json", "text/html", "text/plain"} {
		varyStore(t, c, u, "Accept", http.Header{"Accept": []string{accept}}, 1000)
	}
	require.Equal(t, 2, c.Usage().SpillEntries)

	c.Invalidate(ctx, "GET", u)

	usage := c.Usage()
	assert.Equal(t, 0, usage.MemoryEntries)
	assert.Equal(t, 0, usage.SpillEntries)
	assert.Equal(t, int64(0), usage.SpillBytes)
}

func TestCache_StoreWithoutVaryReplacesVariants(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/negotiated"
	jsonReq := http.Header{"Accept": []string{"application/json"}}

	varyStore(t, c, u, "Accept", jsonReq, 100)
	varyStore(t, c, u, "Accept", http.Header{"Accept": []string{"text/html"}}, 100)
	require.Equal(t, 3, c.Usage().MemoryEntries)

	varyStore(t, c, u, "", nil, 100)

	assert.Equal(t, 1, c.Usage().MemoryEntries)
	assert.Equal(t, Fresh, c.Lookup(ctx, "GET", u, jsonReq).Status)
}

func TestCache_VaryHeaderChangeDropsOldGroup(t *testing.T) {
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/negotiated"
	req := http.Header{"Accept": []string{"text/html"}, "Accept-Language": []string{"de"}}

	varyStore(t, c, u, "Accept", req, 100)
	varyStore(t, c, u, "Accept", http.Header{"Accept": []string{"text/plain"}}, 100)
	require.Equal(t, 3, c.Usage().MemoryEntries)

	varyStore(t, c, u, "Accept-Language", req, 100)

	assert.Equal(t, 2, c.Usage().MemoryEntries)
}

func TestCache_NonCacheableVariantDropsGroup(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/negotiated"
	jsonReq := http.Header{"Accept": []string{"application/json"}}

	varyStore(t, c, u, "Accept", jsonReq, 100)
	varyStore(t, c, u, "Accept", http.Header{"Accept": []string{"text/html"}}, 100)

	err := c.Store(ctx, "GET", u, jsonReq, 200, http.Header{"Cache-Control": []string{"no-store"}}, []byte("x"))
	require.ErrorIs(t, err, ErrNotStorable)

	assert.Equal(t, 0, c.Usage().MemoryEntries)
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, jsonReq).Status)
}

func TestCache_Freshen(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cfg := testConfig(t)
	cfg.Clock = clock.Now
	c := newTestCache(t, cfg)
	u := "https://example.com/a"

	hdr := http.Header{
		"Cache-Control":  []string{"max-age=0"},
		"Etag":           []string{`"v1"`},
		"Content-Length": []string{"5"},
	}
	require.NoError(t, c.Store(ctx, "GET", u, nil, 200, hdr, []byte("hello")))
	require.Equal(t, Stale, c.Lookup(ctx, "GET", u, nil).Status)

	clock.Advance(time.Minute)
	notModified := http.Header{
		"Cache-Control":  []string{"max-age=60"},
		"Etag":           []string{`"v1"`},
		"X-Served-By":    []string{"edge-2"},
		"Content-Length": []string{"0"},
	}
	fresh, err := c.Freshen(ctx, "GET", u, nil, notModified)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, fresh.Lifetime)
	assert.True(t, fresh.StoredAt.Equal(clock.Now()))

	res := c.Lookup(ctx, "GET", u, nil)
	require.Equal(t, Fresh, res.Status)
	assert.Equal(t, "hello", string(res.Entry.Body))
	assert.Equal(t, "edge-2", res.Entry.Header.Get("X-Served-By"))
	assert.Equal(t, "5", res.Entry.Header.Get("Content-Length"))
}

func TestCache_FreshenMismatchedETag(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testConfig(t))
	u := "https://example.com/a"

	hdr := http.Header{"Cache-Control": []string{"max-age=0"}, "Etag": []string{`"v1"`}}
	require.NoError(t, c.Store(ctx, "GET", u, nil, 200, hdr, []byte("hello")))

	_, err := c.Freshen(ctx, "GET", u, nil, http.Header{"Etag": []string{`"v2"`}})
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, nil).Status)

	_, err = c.Freshen(ctx, "GET", "https://example.com/unknown", nil, http.Header{})
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 100
	c := newTestCache(t, cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Store(ctx, "GET", fmt.Sprintf("https://example.com/%d", i), nil, 200, cacheableHeader(), make([]byte, 40)))
	}
	require.NoError(t, c.Clear(ctx))

	assert.Equal(t, Usage{SpillTier: tierDisk}, c.Usage())
	for i := 0; i < 5; i++ {
		assert.Equal(t, Miss, c.Lookup(ctx, "GET", fmt.Sprintf("https://example.com/%d", i), nil).Status)
	}
}

func TestCache_ObserverLookupEvents(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	cfg := testConfig(t)
	cfg.Observer = Observers(obs, nil, NewLogObserver(zerolog.Nop()))
	c := newTestCache(t, cfg)

	c.Lookup(ctx, "GET", "https://example.com/a", nil)
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/a", nil, 200, cacheableHeader(), []byte("a")))
	c.Lookup(ctx, "GET", "https://example.com/a", nil)
	assert.Error(t, c.Store(ctx, "GET", "https://example.com/b", nil, 200, http.Header{"Cache-Control": []string{"no-store"}}, nil))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.lookups, 2)
	assert.Equal(t, Miss, obs.lookups[0].Status)
	assert.Equal(t, Fresh, obs.lookups[1].Status)
	assert.Equal(t, tierMemory, obs.lookups[1].Tier)

	require.Len(t, obs.stores, 2)
	assert.NoError(t, obs.stores[0].Err)
	assert.ErrorIs(t, obs.stores[1].Err, ErrNotStorable)
}

// Parallel store, lookup and invalidate on overlapping keys keep both tiers
// within budget and never serve a body stored under another key.
func TestCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 400
	cfg.DiskBudgetBytes = 4096
	c := newTestCache(t, cfg)

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/item/%d", i)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for op := 0; op < 300; op++ {
				u := urls[rng.Intn(len(urls))]
				switch rng.Intn(3) {
				case 0:
					if err := c.Store(ctx, "GET", u, nil, 200, cacheableHeader(), []byte("body:"+u)); err != nil {
						t.Errorf("Store(%s) error = %v", u, err)
					}
				case 1:
					res := c.Lookup(ctx, "GET", u, nil)
					if res.Status == Fresh && string(res.Entry.Body) != "body:"+u {
						t.Errorf("Lookup(%s) returned body %q", u, res.Entry.Body)
					}
				default:
					c.Invalidate(ctx, "GET", u)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	usage := c.Usage()
	assert.LessOrEqual(t, usage.MemoryBytes, cfg.MemoryBudgetBytes)
	assert.LessOrEqual(t, usage.SpillBytes, cfg.DiskBudgetBytes)
	assert.Zero(t, c.locks.size())

	for _, u := range urls {
		c.Invalidate(ctx, "GET", u)
	}
	for _, u := range urls {
		assert.Equal(t, Miss, c.Lookup(ctx, "GET", u, nil).Status, u)
	}
	assert.Zero(t, c.Usage().MemoryEntries)
	assert.Zero(t, c.Usage().SpillEntries)
}

func TestLookupStatus_String(t *testing.T) {
	for status, want := range map[LookupStatus]string{Miss: "miss", Fresh: "fresh", Stale: "stale"} {
		if got := status.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestCache_SpillErrorsAreReported(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 100
	cfg.Observer = obs
	cfg.Spill = failingSpill{}
	c := newTestCache(t, cfg)

	require.NoError(t, c.Store(ctx, "GET", "https://example.com/1", nil, 200, cacheableHeader(), make([]byte, 40)))
	require.NoError(t, c.Store(ctx, "GET", "https://example.com/2", nil, 200, cacheableHeader(), make([]byte, 40)))

	assert.Equal(t, Miss, c.Lookup(ctx, "GET", "https://example.com/1", nil).Status)
	assert.Equal(t, Fresh, c.Lookup(ctx, "GET", "https://example.com/2", nil).Status)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.NotEmpty(t, obs.errors)
	for _, e := range obs.errors {
		assert.ErrorIs(t, e.Err, errSpillDown)
	}
}

var errSpillDown = errors.New("spill tier down")

// failingSpill fails every operation that touches storage.
type failingSpill struct{}

func (failingSpill) Name() string { return "failing" }
func (failingSpill) Get(context.Context, string) (*CachedResponse, error) {
	return nil, errSpillDown
}
func (failingSpill) Put(context.Context, *CachedResponse) ([]string, error) {
	return nil, errSpillDown
}
func (failingSpill) Remove(context.Context, string) error { return errSpillDown }
func (failingSpill) Clear(context.Context) error          { return errSpillDown }
func (failingSpill) Usage() int64                         { return 0 }
func (failingSpill) Len() int                             { return 0 }
func (failingSpill) Close() error                         { return nil }
