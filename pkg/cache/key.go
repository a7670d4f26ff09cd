package cache

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents a unique identifier for a cached HTTP response.
type CacheKey struct {
	// Method is the uppercased request method
	Method string

	// URL is the normalized request URL
	URL string

	// Variant is the variant group ID of a response that carries Vary (empty otherwise)
	Variant string

	// Vary holds the request header values selected by the response's Vary header,
	// keyed by lowercased header name
	Vary map[string]string
}

// String generates a deterministic cache key string.
// Format: METHOD URL[\nvariant=ID\nname: value...]
//
// Example:
//
//	GET https://example.com/a?x=1&y=2
//	variant=7f3c...
//	accept-encoding: gzip
func (k CacheKey) String() string {
	var b strings.Builder
	b.WriteString(k.Method)
	b.WriteByte(' ')
	b.WriteString(k.URL)

	if k.Variant != "" {
		b.WriteString("\nvariant=")
		b.WriteString(k.Variant)
	}

	// Vary values sorted by header name for determinism
	names := make([]string, 0, len(k.Vary))
	for name := range k.Vary {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(k.Vary[name])
	}

	return b.String()
}

// Base returns the key without variant information.
func (k CacheKey) Base() CacheKey {
	return CacheKey{Method: k.Method, URL: k.URL}
}

// WithVariant returns the variant key selected by the given vary header names
// from the request headers.
func (k CacheKey) WithVariant(variantID string, names []string, reqHeader http.Header) CacheKey {
	vk := CacheKey{Method: k.Method, URL: k.URL, Variant: variantID, Vary: make(map[string]string, len(names))}
	for _, name := range names {
		vk.Vary[name] = varyValue(reqHeader, name)
	}
	return vk
}

// varyValue joins all values of a request header the way they would appear
// on a single header line, with surrounding whitespace trimmed.
func varyValue(h http.Header, name string) string {
	values := h.Values(name)
	trimmed := make([]string, 0, len(values))
	for _, v := range values {
		trimmed = append(trimmed, strings.TrimSpace(v))
	}
	return strings.Join(trimmed, ", ")
}

// NormalizeURL lowercases scheme and host, strips the scheme's default port,
// drops the fragment and sorts the query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if u.Path == "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		params := u.Query()
		for _, p := range params {
			sort.Strings(p)
		}
		// Encode sorts by key
		u.RawQuery = params.Encode()
	}

	return u.String(), nil
}

// parseVary returns the normalized header names listed in Vary headers.
// The second result is false when Vary contains "*".
func parseVary(h http.Header) ([]string, bool) {
	seen := make(map[string]bool)
	var names []string
	for _, name := range headerList(h, "Vary") {
		name = strings.ToLower(name)
		if name == "*" {
			return nil, false
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, true
}

// headerList splits a comma-separated list header into its trimmed, non-empty members.
func headerList(h http.Header, name string) []string {
	var out []string
	for _, line := range h.Values(name) {
		for _, item := range strings.Split(line, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
