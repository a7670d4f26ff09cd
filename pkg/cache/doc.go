// Package cache provides a two-tier HTTP response cache.
//
// Responses live in a byte-budgeted in-memory LRU tier. Entries evicted from
// memory spill to a second tier, either checksummed record files on disk or a
// Redis instance, which keeps its own byte budget and LRU order. Disk records
// are recovered on startup, so a cache survives process restarts.
//
// Storage decisions follow HTTP caching rules:
//
//   - Only GET responses are stored, never with Cache-Control: no-store
//   - Freshness comes from max-age, then Expires relative to Date, then a heuristic
//   - Stale entries with an ETag or Last-Modified are returned for revalidation
//   - Vary selects a variant key from the request headers
//
// # Basic Usage
//
//	cfg := cache.DefaultConfig()
//	cfg.DiskStoragePath = "/var/cache/myapp"
//
//	c, err := cache.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	res := c.Lookup(ctx, http.MethodGet, url, req.Header)
//	switch res.Status {
//	case cache.Fresh:
//		// serve res.Entry
//	case cache.Stale:
//		cache.AddConditionalHeaders(req, res.Validators)
//		// a 304 goes to c.Freshen, anything else to c.Store
//	case cache.Miss:
//		// fetch, then c.Store(ctx, method, url, req.Header, status, header, body)
//	}
//
// # Redis Tier
//
//	store, err := cache.NewRedisStore(ctx, redisClient, 256<<20, logger)
//	cfg.Spill = store
//
// # Metrics
//
// The cache exports Prometheus metrics:
//
//   - respcache_hits_total{tier} - Fresh hits per answering tier
//   - respcache_stale_hits_total - Stale hits handed out for revalidation
//   - respcache_misses_total - Misses
//   - respcache_stores_total{outcome} - Store calls by outcome
//   - respcache_size_bytes{tier} - Bytes accounted per tier
//   - respcache_evictions_total{tier} - Entries evicted per tier
//   - respcache_spills_total - Entries moved from memory to the spill tier
//   - respcache_corrupt_records_total - Records discarded as corrupt
//   - respcache_304_responses_total - Entries freshened by a 304
//   - respcache_conditional_requests_total - Revalidation requests sent by the client
//   - respcache_errors_total{operation} - Spill tier errors
package cache
