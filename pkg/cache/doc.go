// Package cache provides an optional Redis-backed response cache for GETs of
// resources the platform serves with validators, such as the item type and asset
// type catalogs.
//
// The cache manager implements HTTP revalidation with the following features:
//
// - Freshness from Cache-Control max-age or Expires, DefaultTTL otherwise
// - Cache-Control no-store responses are never stored
// - Stale entries are retained for StaleRetention so they can be revalidated
// - ETag support for conditional requests (If-None-Match)
// - Last-Modified support (If-Modified-Since)
// - Entries are scoped per credential so users never share cached bodies
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Host:     "api.planet.com",
//		Endpoint: "/data/v1/item-types",
//		Scope:    cache.ScopeFor(authHeader),
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the platform
//	}
//
// # Revalidation
//
//	if entry.IsExpired() && cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req.Header, entry)
//		// a 304 answer means entry.Data is still current:
//		// manager.Refresh(ctx, key, entry, resp.Header)
//	}
//
// # Metrics
//
//   - planet_cache_hits_total{layer="redis"} - fresh entries served without a request
//   - planet_cache_misses_total - lookups with nothing stored
//   - planet_cache_size_bytes{layer="redis"} - bytes written
//   - planet_cache_conditional_requests_total - revalidation requests sent
//   - planet_cache_not_modified_total - revalidations answered with 304
//   - planet_cache_errors_total{operation} - cache operation errors
package cache
