package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/respcache/pkg/client"
)

var prefetchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "respcache_prefetch_total",
		Help: "Total number of warmed URLs by X-Cache result",
	},
	[]string{"result"}, // "HIT", "MISS", "REVALIDATED", "STALE", "error"
)

// Config holds warmer configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per URL fetch
	Timeout time.Duration
}

// DefaultConfig returns the default warmer configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		Timeout:        15 * time.Second,
	}
}

// Fetcher performs a GET through the cache. *client.Client implements it.
type Fetcher interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Result is the outcome of warming a single URL
type Result struct {
	URL        string
	StatusCode int
	// CacheStatus is the X-Cache value reported by the client
	CacheStatus string
	Bytes       int64
	Err         error
}

// Report collects the results of one Warm call in input order
type Report struct {
	Results  []Result
	Duration time.Duration
}

// Failed returns the number of URLs that could not be fetched.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Warmer fetches URLs in parallel so their responses land in the cache
type Warmer struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// NewWarmer creates a new warmer
func NewWarmer(fetcher Fetcher, config Config) *Warmer {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &Warmer{
		fetcher: fetcher,
		config:  config,
		logger:  zerolog.Nop(),
	}
}

// WithLogger sets the logger used for progress and failures.
func (w *Warmer) WithLogger(logger zerolog.Logger) *Warmer {
	w.logger = logger
	return w
}

// Warm fetches every URL once. Individual failures do not stop the others;
// they are recorded in the report and summarised in the returned error.
// Cancelling ctx stops scheduling further URLs.
func (w *Warmer) Warm(ctx context.Context, urls []string) (Report, error) {
	start := time.Now()
	results := make([]Result, len(urls))

	w.logger.Info().
		Int("urls", len(urls)).
		Int("concurrency", w.config.MaxConcurrency).
		Msg("Starting cache warm-up")

	var (
		eg    errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	eg.SetLimit(w.config.MaxConcurrency)

	for i, u := range urls {
		if ctx.Err() != nil {
			results[i] = Result{URL: u, Err: ctx.Err()}
			continue
		}
		i, u := i, u
		eg.Go(func() error {
			res := w.fetch(ctx, u)
			results[i] = res
			if res.Err != nil {
				errMu.Lock()
				errs = append(errs, res.Err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	report := Report{Results: results, Duration: time.Since(start)}
	failed := report.Failed()

	w.logger.Info().
		Int("urls", len(urls)).
		Int("failed", failed).
		Dur("duration", report.Duration).
		Msg("Cache warm-up complete")

	if failed > 0 {
		if len(errs) == 0 {
			errs = append(errs, ctx.Err())
		}
		return report, fmt.Errorf("warm-up failed for %d of %d urls: %w", failed, len(urls), errors.Join(errs...))
	}
	return report, nil
}

func (w *Warmer) fetch(ctx context.Context, url string) Result {
	fetchCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	resp, err := w.fetcher.Get(fetchCtx, url)
	if err != nil {
		prefetchTotal.WithLabelValues("error").Inc()
		w.logger.Warn().Err(err).Str("url", url).Msg("Prefetch failed")
		return Result{URL: url, Err: fmt.Errorf("fetch %s: %w", url, err)}
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		prefetchTotal.WithLabelValues("error").Inc()
		return Result{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("read %s: %w", url, err)}
	}

	status := resp.Header.Get(client.CacheStatusHeader)
	label := status
	if label == "" {
		label = "none"
	}
	prefetchTotal.WithLabelValues(label).Inc()
	w.logger.Debug().
		Str("url", url).
		Int("status_code", resp.StatusCode).
		Str("cache", status).
		Msg("Prefetched")

	return Result{URL: url, StatusCode: resp.StatusCode, CacheStatus: status, Bytes: n}
}
