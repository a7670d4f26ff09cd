package cache

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// heuristicallyCacheable are the status codes that may be stored without
// explicit freshness information.
var heuristicallyCacheable = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusPermanentRedirect:    true,
	http.StatusNotFound:             true,
	http.StatusMethodNotAllowed:     true,
	http.StatusGone:                 true,
	http.StatusRequestURITooLong:    true,
	http.StatusNotImplemented:       true,
}

// Policy decides whether responses may be stored, how keys are built and
// when stored responses are fresh.
type Policy struct {
	// MaxEntryBytes rejects any single entry larger than this (0 disables the ceiling)
	MaxEntryBytes int64

	// HeuristicFreshness is the lifetime given to responses without explicit freshness,
	// and the upper bound of the Last-Modified based heuristic
	HeuristicFreshness time.Duration
}

// IsStorable reports whether a response to a request with the given method may be stored.
func (p Policy) IsStorable(method string, status int, header http.Header) bool {
	if strings.ToUpper(method) != http.MethodGet {
		return false
	}
	if status < 200 || status == http.StatusPartialContent || status == http.StatusNotModified {
		return false
	}

	cc := ParseCacheControl(header)
	if cc.Has("no-store") {
		return false
	}
	if _, ok := parseVary(header); !ok {
		return false
	}

	if heuristicallyCacheable[status] {
		return true
	}
	return cc.Has("max-age") || cc.Has("s-maxage") || cc.Has("public") || header.Get("Expires") != ""
}

// IsStorableRequest reports whether the request allows its response to be stored.
func (p Policy) IsStorableRequest(reqHeader http.Header) bool {
	return !ParseCacheControl(reqHeader).Has("no-store")
}

// BypassesCache reports whether the request forbids answering from the cache.
func (p Policy) BypassesCache(reqHeader http.Header) bool {
	return ParseCacheControl(reqHeader).Has("no-store")
}

// CheckSize returns ErrTooLarge when the entry exceeds the single-entry ceiling.
func (p Policy) CheckSize(size int64) error {
	if p.MaxEntryBytes > 0 && size > p.MaxEntryBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, p.MaxEntryBytes)
	}
	return nil
}

// ComputeKey builds the cache key for a request. vary holds request header
// values selected by a response's Vary header, keyed by lowercased name; it is
// nil for the base key.
func (p Policy) ComputeKey(method, rawURL string, vary map[string]string) (CacheKey, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return CacheKey{}, err
	}
	key := CacheKey{Method: strings.ToUpper(method), URL: normalized}
	if len(vary) > 0 {
		key.Vary = make(map[string]string, len(vary))
		for name, value := range vary {
			key.Vary[strings.ToLower(name)] = strings.TrimSpace(value)
		}
	}
	return key, nil
}

// FreshnessLifetime computes how long a response stored at storedAt stays fresh.
// max-age wins, then Expires relative to Date, then the heuristic.
// Zero or negative means the response is stale immediately.
func (p Policy) FreshnessLifetime(header http.Header, storedAt time.Time) time.Duration {
	cc := ParseCacheControl(header)
	if cc.Has("no-cache") {
		return 0
	}

	if d, ok, valid := cc.Seconds("max-age"); ok {
		if !valid {
			return 0
		}
		return d
	}

	date := responseDate(header, storedAt)

	if values := header.Values("Expires"); len(values) > 0 {
		expires, err := http.ParseTime(values[0])
		if err != nil {
			// invalid Expires means already expired
			return 0
		}
		return expires.Sub(date)
	}

	return p.heuristicLifetime(header, date)
}

// heuristicLifetime returns 10% of the time since Last-Modified, capped at
// HeuristicFreshness, or HeuristicFreshness when Last-Modified is unusable.
func (p Policy) heuristicLifetime(header http.Header, date time.Time) time.Duration {
	if p.HeuristicFreshness <= 0 {
		return 0
	}
	if lm, err := http.ParseTime(header.Get("Last-Modified")); err == nil && lm.Before(date) {
		if d := date.Sub(lm) / 10; d < p.HeuristicFreshness {
			return d
		}
	}
	return p.HeuristicFreshness
}

// InitialAge is the age a response already had when it was received.
func (p Policy) InitialAge(header http.Header, storedAt time.Time) time.Duration {
	var age time.Duration
	if d, ok := deltaSeconds(strings.TrimSpace(header.Get("Age"))); ok {
		age = d
	}
	if date, err := http.ParseTime(header.Get("Date")); err == nil {
		if apparent := storedAt.Sub(date); apparent > age {
			age = apparent
		}
	}
	return age
}

// NeedsRevalidation reports whether the entry must be revalidated before it
// is used to answer a request with the given headers at now.
func (p Policy) NeedsRevalidation(entry *CachedResponse, reqHeader http.Header, now time.Time) bool {
	req := ParseCacheControl(reqHeader)
	if req.Has("no-cache") {
		return true
	}
	if len(reqHeader.Values("Cache-Control")) == 0 && pragmaNoCache(reqHeader) {
		return true
	}

	age := entry.Age(now)
	if d, ok, valid := req.Seconds("max-age"); ok && valid && (d == 0 || age > d) {
		return true
	}
	if d, ok, valid := req.Seconds("min-fresh"); ok && valid && entry.TTL(now) < d {
		return true
	}

	if !entry.IsExpired(now) {
		return false
	}

	resp := ParseCacheControl(entry.Header)
	if resp.Has("must-revalidate") || resp.Has("proxy-revalidate") || resp.Has("no-cache") {
		return true
	}
	if d, ok, valid := req.Seconds("max-stale"); ok {
		if !valid {
			// max-stale without a value accepts any staleness
			return false
		}
		if age-entry.Lifetime <= d {
			return false
		}
	}
	return true
}

func pragmaNoCache(h http.Header) bool {
	for _, v := range headerList(h, "Pragma") {
		if strings.EqualFold(v, "no-cache") {
			return true
		}
	}
	return false
}

func responseDate(header http.Header, fallback time.Time) time.Time {
	if date, err := http.ParseTime(header.Get("Date")); err == nil {
		return date
	}
	return fallback
}
