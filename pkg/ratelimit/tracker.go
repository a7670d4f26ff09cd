package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrBlocked is returned by Wait while a host is blocked.
var ErrBlocked = errors.New("origin rate limit: host blocked")

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "respcache_ratelimit_remaining",
		Help: "Requests remaining in the current origin rate limit window",
	}, []string{"host"})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "respcache_ratelimit_blocks_total",
		Help: "Total number of origin requests blocked by a rate limit",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "respcache_ratelimit_throttles_total",
		Help: "Total number of origin requests delayed because the rate limit budget is low",
	})
)

// Config holds tracker thresholds.
type Config struct {
	// WarningThreshold throttles requests when fewer requests remain
	WarningThreshold int
	// ThrottleDelay is the pause applied per throttled request
	ThrottleDelay time.Duration
	// MaxBlock caps how far ahead a Retry-After or reset can block a host
	MaxBlock time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		WarningThreshold: DefaultWarningThreshold,
		ThrottleDelay:    DefaultThrottleDelay,
		MaxBlock:         DefaultMaxBlock,
	}
}

// Tracker monitors origin rate limit headers and gates requests per host.
type Tracker struct {
	store  StateStore
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new rate limit tracker.
func NewTracker(store StateStore, config Config, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStateStore()
	}
	defaults := DefaultConfig()
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = defaults.WarningThreshold
	}
	if config.ThrottleDelay < 0 {
		config.ThrottleDelay = 0
	}
	if config.MaxBlock <= 0 {
		config.MaxBlock = defaults.MaxBlock
	}
	return &Tracker{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the state for host; hosts without signals get an unknown state.
func (t *Tracker) GetState(ctx context.Context, host string) (*HostState, error) {
	st, err := t.store.Get(ctx, host)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return unknownState(), nil
	}
	return st, nil
}

// Observe updates the state for host from an origin response.
// Responses without rate limit headers leave the state untouched.
func (t *Tracker) Observe(ctx context.Context, host string, status int, header http.Header) error {
	now := t.now()

	retryAfter, hasRetryAfter := t.retryAfter(status, header, now)
	remaining, hasRemaining, err := remainingHeader(header)
	if err != nil {
		return err
	}
	reset, hasReset, err := t.resetHeader(header, now)
	if err != nil {
		return err
	}
	if !hasRetryAfter && !hasRemaining {
		return nil
	}

	st, err := t.GetState(ctx, host)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	if hasRetryAfter {
		st.BlockedUntil = retryAfter
	}
	if hasRemaining {
		st.Remaining = remaining
		rateLimitRemaining.WithLabelValues(host).Set(float64(remaining))
		if hasReset {
			st.ResetAt = reset
		} else if !now.Before(st.ResetAt) {
			// no reset time given: the window ends after one throttle delay
			st.ResetAt = now.Add(t.config.ThrottleDelay)
		}
	}
	st.LastUpdate = now

	if err := t.store.Set(ctx, host, st); err != nil {
		return err
	}

	logEvent := t.logger.Debug()
	msg := "Origin rate limit state updated"
	switch {
	case st.NeedsBlock(now):
		logEvent = t.logger.Warn()
		msg = "Origin rate limit reached - requests will be blocked"
	case st.NeedsThrottling(now, t.config.WarningThreshold):
		logEvent = t.logger.Info()
		msg = "Origin rate limit low - requests will be throttled"
	}
	logEvent.
		Str("host", host).
		Int("remaining", st.Remaining).
		Time("reset_at", st.ResetAt).
		Time("blocked_until", st.BlockedUntil).
		Msg(msg)

	return nil
}

// Wait checks whether a request to host may be sent. It returns an error
// wrapping ErrBlocked while the host is blocked, and sleeps for the throttle
// delay while its budget is low.
func (t *Tracker) Wait(ctx context.Context, host string) error {
	st, err := t.GetState(ctx, host)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.now()
	if st.NeedsBlock(now) {
		wait := st.TimeUntilAllowed(now)
		t.logger.Warn().
			Str("host", host).
			Dur("wait_duration", wait).
			Msg("Origin rate limit reached - blocking request")
		rateLimitBlocksTotal.Inc()
		return fmt.Errorf("%w: %s for %s", ErrBlocked, host, wait.Round(time.Second))
	}

	if st.NeedsThrottling(now, t.config.WarningThreshold) && t.config.ThrottleDelay > 0 {
		t.logger.Debug().
			Str("host", host).
			Int("remaining", st.Remaining).
			Msg("Origin rate limit low - throttling request")
		rateLimitThrottlesTotal.Inc()

		timer := time.NewTimer(t.config.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// retryAfter parses Retry-After on 429 and 503 responses, as delay seconds or an HTTP date.
func (t *Tracker) retryAfter(status int, header http.Header, now time.Time) (time.Time, bool) {
	if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
		return time.Time{}, false
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return time.Time{}, false
	}

	var until time.Time
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 {
			return time.Time{}, false
		}
		until = now.Add(clampSeconds(secs))
	} else if date, err := http.ParseTime(v); err == nil {
		until = date
	} else {
		return time.Time{}, false
	}
	return t.capBlock(until, now), true
}

func remainingHeader(header http.Header) (int, bool, error) {
	v := firstHeader(header, "RateLimit-Remaining", "X-RateLimit-Remaining")
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("parse rate limit remaining header %q: invalid value", v)
	}
	return n, true, nil
}

// epochThreshold separates reset values given as a unix timestamp from delta seconds.
const epochThreshold = 1_000_000_000

func (t *Tracker) resetHeader(header http.Header, now time.Time) (time.Time, bool, error) {
	v := firstHeader(header, "RateLimit-Reset", "X-RateLimit-Reset")
	if v == "" {
		return time.Time{}, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false, fmt.Errorf("parse rate limit reset header %q: invalid value", v)
	}

	var reset time.Time
	if n >= epochThreshold {
		reset = time.Unix(n, 0)
	} else {
		reset = now.Add(clampSeconds(n))
	}
	return t.capBlock(reset, now), true, nil
}

func (t *Tracker) capBlock(until, now time.Time) time.Time {
	if limit := now.Add(t.config.MaxBlock); until.After(limit) {
		return limit
	}
	return until
}

// clampSeconds converts secs to a duration small enough to add to any current time.
func clampSeconds(secs int64) time.Duration {
	if secs > math.MaxUint32 {
		secs = math.MaxUint32
	}
	return time.Duration(secs) * time.Second
}

func firstHeader(header http.Header, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
