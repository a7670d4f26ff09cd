package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier labels.
const (
	tierMemory = "memory"
	tierDisk   = "disk"
	tierRedis  = "redis"
)

var (
	// CacheHits tracks fresh hits by tier (memory, disk, redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respcache_hits_total",
			Help: "Total number of fresh cache hits",
		},
		[]string{"tier"},
	)

	// CacheStaleHits tracks hits that need revalidation
	CacheStaleHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "respcache_stale_hits_total",
			Help: "Total number of cache hits that required revalidation",
		},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "respcache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheStores tracks store calls by outcome
	CacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respcache_stores_total",
			Help: "Total number of store calls by outcome",
		},
		[]string{"outcome"}, // "stored", "not_storable", "too_large"
	)

	// CacheSize tracks bytes in use by tier
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "respcache_size_bytes",
			Help: "Current size of the cache tier in bytes",
		},
		[]string{"tier"},
	)

	// CacheEvictions tracks entries evicted by tier
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respcache_evictions_total",
			Help: "Total number of entries evicted under budget pressure",
		},
		[]string{"tier"},
	)

	// CacheSpills tracks entries moved from memory to the spill tier
	CacheSpills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "respcache_spills_total",
			Help: "Total number of entries spilled from memory",
		},
	)

	// CorruptRecords tracks persisted records discarded by integrity checks
	CorruptRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "respcache_corrupt_records_total",
			Help: "Total number of persisted records discarded as corrupt",
		},
	)

	// NotModifiedResponses tracks successful revalidations
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "respcache_304_responses_total",
			Help: "Total number of 304 Not Modified responses used to freshen entries",
		},
	)

	// ConditionalRequestsSent tracks conditional requests built from validators
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "respcache_conditional_requests_total",
			Help: "Total number of conditional requests sent with validators",
		},
	)

	// CacheErrors tracks spill tier errors by operation
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respcache_errors_total",
			Help: "Total number of spill tier errors",
		},
		[]string{"operation"}, // "get", "put", "remove", "clear"
	)
)
