// Package prefetch warms the response cache by fetching a list of URLs in parallel
// through a caching client.
//
// Example usage:
//
//	warmer := prefetch.NewWarmer(respClient, prefetch.DefaultConfig())
//	report, err := warmer.Warm(ctx, []string{
//		"https://example.com/",
//		"https://example.com/feed.xml",
//	})
//
// The warmer:
//   - Runs at most MaxConcurrency fetches at a time
//   - Applies a per-URL timeout
//   - Drains each body so the response is stored
//   - Records the X-Cache result of every URL
//   - Keeps going after individual failures and reports them together
package prefetch
