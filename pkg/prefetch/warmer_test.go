package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/respcache/internal/testutil"
	"github.com/Sternrassler/respcache/pkg/cache"
	"github.com/Sternrassler/respcache/pkg/client"
)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()

	cfg := cache.DefaultConfig()
	cfg.DiskStoragePath = t.TempDir()
	cfg.Logger = zerolog.Nop()
	c, err := cache.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	clientCfg := client.DefaultConfig(c, "respcache-test/1.0")
	clientCfg.Retry.MaxAttempts = 1
	respClient, err := client.New(clientCfg)
	require.NoError(t, err)
	return respClient
}

func TestWarm_FillsCache(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	urls := make([]string, 5)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/item/%d", origin.URL(), i)
	}

	warmer := NewWarmer(newTestClient(t), Config{MaxConcurrency: 2})

	report, err := warmer.Warm(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, report.Results, len(urls))
	for i, res := range report.Results {
		assert.Equal(t, urls[i], res.URL)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, client.CacheMiss, res.CacheStatus)
		assert.Positive(t, res.Bytes)
	}

	report, err = warmer.Warm(context.Background(), urls)
	require.NoError(t, err)
	for _, res := range report.Results {
		assert.Equal(t, client.CacheHit, res.CacheStatus)
	}
	assert.Equal(t, len(urls), origin.GetRequestCount())
}

type fakeFetcher struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	fail     map[string]bool
}

func (f *fakeFetcher) Get(ctx context.Context, url string) (*http.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if f.fail[url] {
		return nil, errors.New("connection refused")
	}
	header := http.Header{}
	header.Set(client.CacheStatusHeader, client.CacheMiss)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestWarm_RespectsConcurrencyLimit(t *testing.T) {
	fetcher := &fakeFetcher{delay: 20 * time.Millisecond}
	warmer := NewWarmer(fetcher, Config{MaxConcurrency: 3, Timeout: time.Second})

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}

	_, err := warmer.Warm(context.Background(), urls)
	require.NoError(t, err)
	assert.LessOrEqual(t, fetcher.peak.Load(), int64(3))
	assert.Positive(t, fetcher.peak.Load())
}

func TestWarm_PartialFailure(t *testing.T) {
	fetcher := &fakeFetcher{fail: map[string]bool{"https://example.com/bad": true}}
	warmer := NewWarmer(fetcher, DefaultConfig())

	urls := []string{"https://example.com/a", "https://example.com/bad", "https://example.com/b"}
	report, err := warmer.Warm(context.Background(), urls)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")
	assert.Equal(t, 1, report.Failed())
	assert.NoError(t, report.Results[0].Err)
	assert.Error(t, report.Results[1].Err)
	assert.NoError(t, report.Results[2].Err)
	assert.Equal(t, int64(2), report.Results[2].Bytes)
}

func TestWarm_CancelledContext(t *testing.T) {
	fetcher := &fakeFetcher{}
	warmer := NewWarmer(fetcher, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := warmer.Warm(ctx, []string{"https://example.com/a", "https://example.com/b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, report.Failed())
}

func TestNewWarmer_Defaults(t *testing.T) {
	warmer := NewWarmer(&fakeFetcher{}, Config{})
	assert.Equal(t, DefaultConfig(), warmer.config)
}
