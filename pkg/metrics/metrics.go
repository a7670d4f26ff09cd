// Package metrics exposes the Prometheus registry shared by the cache, client and prefetch packages.
// All metrics are defined in their respective packages to maintain modularity and avoid
// circular dependencies; this package serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving every registered metric.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - respcache_hits_total{tier} (Counter): Fresh hits by tier (memory, disk, redis)
//   - respcache_stale_hits_total (Counter): Hits that required revalidation
//   - respcache_misses_total (Counter): Cache misses
//   - respcache_stores_total{outcome} (Counter): Store calls (stored, not_storable, too_large)
//   - respcache_size_bytes{tier} (Gauge): Bytes accounted to each tier
//   - respcache_evictions_total{tier} (Counter): Entries evicted under budget pressure
//   - respcache_spills_total (Counter): Memory evictions written to the spill tier
//   - respcache_corrupt_records_total (Counter): Disk or Redis records that failed verification
//   - respcache_304_responses_total (Counter): Entries freshened by 304 Not Modified
//   - respcache_conditional_requests_total (Counter): Conditional requests sent
//   - respcache_errors_total{operation} (Counter): Spill tier errors
//
// Client Metrics (pkg/client):
//   - respcache_client_requests_total{outcome} (Counter): Requests by X-Cache outcome
//   - respcache_origin_request_duration_seconds{host} (Histogram): Origin latency
//   - respcache_origin_errors_total{class} (Counter): Origin errors by class
//   - respcache_origin_retries_total{error_class} (Counter): Retry attempts
//   - respcache_origin_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - respcache_origin_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Prefetch Metrics (pkg/prefetch):
//   - respcache_prefetch_total{result} (Counter): Warmed URLs by X-Cache result or "error"
//
// Example Prometheus Queries:
//
//   # Hit Rate
//   sum(rate(respcache_hits_total[5m])) /
//   (sum(rate(respcache_hits_total[5m])) + sum(rate(respcache_misses_total[5m])))
//
//   # Memory Tier Fill
//   respcache_size_bytes{tier="memory"}
//
//   # Spill Rate
//   rate(respcache_spills_total[5m])
//
//   # P95 Origin Latency
//   histogram_quantile(0.95, rate(respcache_origin_request_duration_seconds_bucket[5m]))
