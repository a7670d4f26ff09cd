// Package ratelimit tracks the rate limit signals origins send and gates
// requests to them. It reads Retry-After on 429 and 503 responses and the
// RateLimit-Remaining and RateLimit-Reset headers (or their X-RateLimit-
// variants) on every response, per host.
package ratelimit

import (
	"time"
)

// DefaultRedisPrefix namespaces the per-host state keys written by RedisStateStore.
const DefaultRedisPrefix = "respcache:ratelimit:"

// Default thresholds for gating decisions.
const (
	// DefaultWarningThreshold applies throttling when the remaining request
	// budget falls below this value.
	DefaultWarningThreshold = 5

	// DefaultThrottleDelay is the pause applied to each request while throttled.
	DefaultThrottleDelay = time.Second

	// DefaultMaxBlock caps how long a single signal can block a host.
	DefaultMaxBlock = 10 * time.Minute
)

// HostState is the rate limit state of one origin host.
// It is shared across client instances when a RedisStateStore is used.
type HostState struct {
	// Remaining is the request budget left in the current window; -1 when unknown.
	Remaining int `msgpack:"remaining"`

	// ResetAt is when the current window resets.
	ResetAt time.Time `msgpack:"reset_at"`

	// BlockedUntil is set from Retry-After; no requests are sent before it.
	BlockedUntil time.Time `msgpack:"blocked_until"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `msgpack:"last_update"`
}

// unknownState is the state of a host no signal has been seen for.
func unknownState() *HostState {
	return &HostState{Remaining: -1}
}

// IsStale returns true if the state is older than maxAge.
func (s *HostState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// NeedsBlock returns true if requests must not be sent at now.
func (s *HostState) NeedsBlock(now time.Time) bool {
	if now.Before(s.BlockedUntil) {
		return true
	}
	return s.Remaining == 0 && now.Before(s.ResetAt)
}

// NeedsThrottling returns true if requests should be slowed down at now.
func (s *HostState) NeedsThrottling(now time.Time, warningThreshold int) bool {
	if s.Remaining < 0 || s.NeedsBlock(now) || !now.Before(s.ResetAt) {
		return false
	}
	return s.Remaining < warningThreshold
}

// TimeUntilAllowed returns how long requests stay blocked, 0 if they are not.
func (s *HostState) TimeUntilAllowed(now time.Time) time.Duration {
	var until time.Time
	if now.Before(s.BlockedUntil) {
		until = s.BlockedUntil
	}
	if s.Remaining == 0 && s.ResetAt.After(until) {
		until = s.ResetAt
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// expiresAt is when the state stops carrying information.
func (s *HostState) expiresAt() time.Time {
	if s.BlockedUntil.After(s.ResetAt) {
		return s.BlockedUntil
	}
	return s.ResetAt
}
