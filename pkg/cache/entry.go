package cache

import (
	"net/http"
	"time"
)

// CachedResponse represents a stored HTTP response.
//
// A CachedResponse is never modified after it has been handed to a tier.
// Revalidation builds a new value and replaces the old one.
type CachedResponse struct {
	// Key is the rendered CacheKey the entry is stored under
	Key string `msgpack:"key"`

	// StatusCode is the HTTP status code of the stored response.
	// Zero marks a vary index record (see IsVaryIndex).
	StatusCode int `msgpack:"status"`

	// Header holds the response headers
	Header http.Header `msgpack:"header"`

	// Body is the response body
	Body []byte `msgpack:"body"`

	// StoredAt is when the response was stored
	StoredAt time.Time `msgpack:"stored_at"`

	// Lifetime is the freshness lifetime computed at store time
	Lifetime time.Duration `msgpack:"lifetime"`

	// InitialAge is the age the response already had when it was received (Age header)
	InitialAge time.Duration `msgpack:"initial_age"`

	// ETag for conditional requests (If-None-Match)
	ETag string `msgpack:"etag"`

	// LastModified for conditional requests (If-Modified-Since)
	LastModified time.Time `msgpack:"last_modified"`

	// Vary lists the lowercased request header names the response varies on
	Vary []string `msgpack:"vary,omitempty"`

	// VariantID groups the variants stored for one base key
	VariantID string `msgpack:"variant_id,omitempty"`

	// Variants lists the keys of the variants stored under a vary index
	Variants []string `msgpack:"variants,omitempty"`
}

// Validators are the tokens used to revalidate a stale entry with the origin.
type Validators struct {
	ETag         string
	LastModified time.Time
}

// IsZero reports whether no validator is available.
func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified.IsZero()
}

// Validators returns the entry's validator tokens.
func (e *CachedResponse) Validators() Validators {
	return Validators{ETag: e.ETag, LastModified: e.LastModified}
}

// IsVaryIndex reports whether the entry is an index record pointing at variants.
func (e *CachedResponse) IsVaryIndex() bool {
	return e.StatusCode == 0 && len(e.Vary) > 0
}

// Size returns the number of bytes the entry is accounted for in a tier budget:
// body bytes plus header names and values, plus the vary bookkeeping of an index.
func (e *CachedResponse) Size() int64 {
	size := int64(len(e.Body))
	for name, values := range e.Header {
		for _, v := range values {
			size += int64(len(name) + len(v))
		}
	}
	for _, v := range e.Vary {
		size += int64(len(v))
	}
	for _, k := range e.Variants {
		size += int64(len(k))
	}
	return size
}

// Age returns the current age of the entry at now.
func (e *CachedResponse) Age(now time.Time) time.Duration {
	resident := now.Sub(e.StoredAt)
	if resident < 0 {
		resident = 0
	}
	return e.InitialAge + resident
}

// IsExpired returns true once the entry's age reached its freshness lifetime.
// A zero or negative lifetime is expired immediately.
func (e *CachedResponse) IsExpired(now time.Time) bool {
	if e.Lifetime <= 0 {
		return true
	}
	return e.Age(now) >= e.Lifetime
}

// TTL returns the remaining freshness at now.
// Returns 0 if already expired.
func (e *CachedResponse) TTL(now time.Time) time.Duration {
	ttl := e.Lifetime - e.Age(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Clone returns a deep copy so callers can never observe or cause mutation
// of a stored entry.
func (e *CachedResponse) Clone() *CachedResponse {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	if e.Vary != nil {
		c.Vary = append([]string(nil), e.Vary...)
	}
	if e.Variants != nil {
		c.Variants = append([]string(nil), e.Variants...)
	}
	return &c
}
