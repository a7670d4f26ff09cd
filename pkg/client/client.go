// Package client provides an HTTP client that answers from a response cache,
// revalidates stale entries with conditional requests and retries transient
// origin failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/respcache/pkg/cache"
	"github.com/Sternrassler/respcache/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for origin requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "respcache_client_requests_total",
		Help: "Total client requests by cache outcome",
	}, []string{"outcome"})

	originRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "respcache_origin_request_duration_seconds",
		Help:    "Origin request duration in seconds by host",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"host"})

	originErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "respcache_origin_errors_total",
		Help: "Total origin errors by class",
	}, []string{"class"})
)

// CacheStatusHeader reports how a response was produced.
const CacheStatusHeader = "X-Cache"

// Values of CacheStatusHeader.
const (
	CacheHit         = "HIT"
	CacheMiss        = "MISS"
	CacheRevalidated = "REVALIDATED"
	CacheStale       = "STALE"
)

// ErrorClass represents a classification of origin failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Client fetches through a cache.Cache.
type Client struct {
	cache     *cache.Cache
	transport http.RoundTripper
	config    Config
	logger    zerolog.Logger
	now       func() time.Time
}

// Config holds the client configuration.
type Config struct {
	// Cache answers and stores responses (REQUIRED)
	Cache *cache.Cache

	// UserAgent is sent with every origin request when the caller sets none
	UserAgent string

	// Timeout bounds each origin attempt (0 disables)
	Timeout time.Duration

	// Retry controls retries of idempotent requests
	Retry RetryConfig

	// Transport performs origin requests (default: http.DefaultTransport)
	Transport http.RoundTripper

	// RateLimiter gates origin requests per host (optional)
	RateLimiter *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(c *cache.Cache, userAgent string) Config {
	return Config{
		Cache:     c,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new caching client.
func New(cfg Config) (*Client, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		cache:     cfg.Cache,
		transport: transport,
		config:    cfg,
		logger:    log.With().Str("component", "respcache-client").Logger(),
		now:       time.Now,
	}, nil
}

// Do performs an HTTP request, answering from the cache when it can.
// The response carries an X-Cache header: HIT, MISS, REVALIDATED or STALE.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return c.RoundTrip(req)
}

// Get performs a GET request for rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// HTTPClient returns an *http.Client that routes requests through c and
// logs the redirects it follows.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{
		Transport: c,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			c.logger.Info().
				Str("from", via[len(via)-1].URL.String()).
				Str("to", req.URL.String()).
				Msg("Following redirect")
			return nil
		},
	}
}

const maxRedirects = 10

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	rawURL := req.URL.String()

	if req.Method != http.MethodGet {
		resp, err := c.fetch(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 400 && isUnsafe(req.Method) {
			c.cache.Invalidate(ctx, http.MethodGet, rawURL)
		}
		return resp, nil
	}

	res := c.cache.Lookup(ctx, req.Method, rawURL, req.Header)
	switch res.Status {
	case cache.Fresh:
		requestsTotal.WithLabelValues("hit").Inc()
		return c.respond(res.Entry, req, CacheHit), nil
	case cache.Stale:
		return c.revalidate(req, res)
	default:
		return c.fetchAndStore(req, CacheMiss)
	}
}

// revalidate asks the origin whether a stale entry is still valid.
func (c *Client) revalidate(req *http.Request, stale cache.LookupResult) (*http.Response, error) {
	ctx := req.Context()
	rawURL := req.URL.String()

	conditional := req
	if req.Header.Get("If-None-Match") == "" && req.Header.Get("If-Modified-Since") == "" {
		conditional = req.Clone(ctx)
		cache.AddConditionalHeaders(conditional, stale.Validators)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("url", rawURL).
			Str("etag", stale.Validators.ETag).
			Msg("Making conditional request")
	}

	resp, err := c.fetch(conditional)
	if err != nil {
		if c.staleIfError(stale.Entry) {
			c.logger.Warn().Err(err).Str("url", rawURL).Msg("Origin failed, serving stale response")
			requestsTotal.WithLabelValues("stale").Inc()
			return c.respond(stale.Entry, req, CacheStale), nil
		}
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && conditional != req {
		resp.Body.Close()

		entry, err := c.cache.Freshen(ctx, req.Method, rawURL, req.Header, resp.Header)
		if err != nil {
			// the 304 does not match what we hold: fetch the full response
			c.logger.Debug().Err(err).Str("url", rawURL).Msg("304 did not match cached entry")
			return c.fetchAndStore(req, CacheMiss)
		}

		c.logger.Debug().Str("url", rawURL).Msg("304 Not Modified - using cache")
		requestsTotal.WithLabelValues("revalidated").Inc()
		return c.respond(entry, req, CacheRevalidated), nil
	}

	if resp.StatusCode >= 500 && c.staleIfError(stale.Entry) {
		resp.Body.Close()
		requestsTotal.WithLabelValues("stale").Inc()
		return c.respond(stale.Entry, req, CacheStale), nil
	}

	return c.store(req, resp, CacheMiss)
}

// fetchAndStore forwards req to the origin and offers the response to the cache.
func (c *Client) fetchAndStore(req *http.Request, status string) (*http.Response, error) {
	resp, err := c.fetch(req)
	if err != nil {
		return nil, err
	}
	return c.store(req, resp, status)
}

func (c *Client) store(req *http.Request, resp *http.Response, status string) (*http.Response, error) {
	ctx := req.Context()

	if resp.StatusCode == http.StatusNotModified {
		// answer to the caller's own conditional request
		requestsTotal.WithLabelValues("not_modified").Inc()
		return resp, nil
	}

	body, err := cache.ReadBody(resp)
	if err != nil {
		return nil, err
	}

	err = c.cache.Store(ctx, req.Method, req.URL.String(), req.Header, resp.StatusCode, resp.Header, body)
	switch {
	case err == nil:
		c.logger.Debug().Str("url", req.URL.String()).Int("status", resp.StatusCode).Msg("Cached response")
	case errors.Is(err, cache.ErrTooLarge):
		c.logger.Info().Str("url", req.URL.String()).Int("bytes", len(body)).Msg("Response too large to cache")
	case errors.Is(err, cache.ErrNotStorable):
		c.logger.Debug().Str("url", req.URL.String()).Int("status", resp.StatusCode).Msg("Response not cacheable")
	default:
		c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Failed to cache response")
	}

	requestsTotal.WithLabelValues(strings.ToLower(status)).Inc()
	resp.Header.Set(CacheStatusHeader, status)
	return resp, nil
}

// fetch performs the origin request, retrying idempotent requests on
// retriable failures. 4xx responses are returned, not treated as errors.
func (c *Client) fetch(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	startTime := c.now()
	defer func() {
		originRequestDuration.WithLabelValues(req.URL.Host).Observe(time.Since(startTime).Seconds())
	}()

	retry := c.config.Retry
	if !isIdempotent(req.Method) || (req.Body != nil && req.Body != http.NoBody) {
		retry.MaxAttempts = 1
	}

	if limiter := c.config.RateLimiter; limiter != nil {
		if err := limiter.Wait(ctx, req.URL.Host); err != nil {
			originErrorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			return nil, &OriginError{
				StatusCode: http.StatusTooManyRequests,
				ErrorClass: ErrorClassRateLimit,
				Message:    "request not sent",
				Err:        err,
			}
		}
	}

	var resp *http.Response
	err := retryWithBackoff(ctx, retry, c.logger, func() (ErrorClass, error) {
		r, err := c.attempt(req)
		if err == nil && c.config.RateLimiter != nil {
			if obsErr := c.config.RateLimiter.Observe(ctx, req.URL.Host, r.StatusCode, r.Header); obsErr != nil {
				c.logger.Warn().Err(obsErr).Str("host", req.URL.Host).Msg("Failed to update rate limit state")
			}
		}
		if err != nil {
			errClass := ErrorClassNetwork
			originErrorsTotal.WithLabelValues(string(errClass)).Inc()
			c.logger.Error().Err(err).Str("url", req.URL.String()).Msg("Origin request failed")
			return errClass, err
		}

		if errClass := classifyStatus(r.StatusCode); errClass != "" {
			originErrorsTotal.WithLabelValues(string(errClass)).Inc()
			c.logger.Warn().
				Str("url", req.URL.String()).
				Int("status", r.StatusCode).
				Str("error_class", string(errClass)).
				Msg("Origin request error")

			if shouldRetry(errClass) && retry.MaxAttempts > 1 {
				io.Copy(io.Discard, r.Body)
				r.Body.Close()
				return errClass, &OriginError{StatusCode: r.StatusCode, ErrorClass: errClass, Message: r.Status}
			}
		}

		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt sends one request under the per-attempt timeout, which is
// released when the response body is closed.
func (c *Client) attempt(req *http.Request) (*http.Response, error) {
	if c.config.Timeout <= 0 {
		return c.transport.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), c.config.Timeout)
	resp, err := c.transport.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the attempt's timeout when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) respond(entry *cache.CachedResponse, req *http.Request, status string) *http.Response {
	resp := cache.EntryToResponse(entry, req, c.now())
	resp.Header.Set(CacheStatusHeader, status)
	return resp
}

// staleIfError reports whether the entry permits serving it stale when the
// origin fails (stale-if-error).
func (c *Client) staleIfError(entry *cache.CachedResponse) bool {
	if entry == nil {
		return false
	}
	d, ok, valid := cache.ParseCacheControl(entry.Header).Seconds("stale-if-error")
	if !ok || !valid {
		return false
	}
	staleness := entry.Age(c.now()) - entry.Lifetime
	return staleness <= d
}

// classifyStatus categorizes an origin status code; "" means success.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isUnsafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// Close drops idle origin connections. The cache is owned by the caller and
// stays open.
func (c *Client) Close() error {
	if t, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// GetCache returns the cache (for testing).
func (c *Client) GetCache() *cache.Cache {
	return c.cache
}
