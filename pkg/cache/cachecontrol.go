package cache

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the parsed directives of one or more Cache-Control header lines.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses all Cache-Control values of h.
// Directive names are case-insensitive; when a directive repeats, the first one wins.
func ParseCacheControl(h http.Header) CacheControl {
	m := make(map[string]string)
	for _, line := range h.Values("Cache-Control") {
		for _, directive := range splitDirectives(line) {
			name, arg, _ := strings.Cut(directive, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if _, exists := m[name]; exists {
				continue
			}
			m[name] = strings.Trim(strings.TrimSpace(arg), `"`)
		}
	}
	return CacheControl{directives: m}
}

// splitDirectives splits on commas outside of quoted strings.
func splitDirectives(line string) []string {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				out = append(out, strings.TrimSpace(line[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(line[start:]))
}

// Get returns the argument of the directive and whether it is present.
func (c CacheControl) Get(directive string) (string, bool) {
	v, ok := c.directives[directive]
	return v, ok
}

// Has reports whether the directive is present.
func (c CacheControl) Has(directive string) bool {
	_, ok := c.directives[directive]
	return ok
}

// Seconds returns the delta-seconds argument of the directive.
// A present directive with a missing or invalid argument reports ok=true and
// valid=false so callers can apply the protocol's fallback for that directive.
func (c CacheControl) Seconds(directive string) (d time.Duration, ok bool, valid bool) {
	arg, ok := c.directives[directive]
	if !ok {
		return 0, false, false
	}
	d, valid = deltaSeconds(arg)
	return d, true, valid
}

// deltaSeconds parses a non-negative integer number of seconds.
// Values too large to represent are clamped.
func deltaSeconds(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return time.Duration(math.MaxInt64), true
		}
		return 0, false
	}
	if n > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(n) * time.Second, true
}
