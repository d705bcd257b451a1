// Package cache provides the response cache used by the request executor.
//
// The cache has two layers:
//
//   - Store: an in-memory map of responses with per-entry expiry, access
//     bookkeeping, lazy expiry on read, periodic sweeps and a hard entry cap
//     enforced by least-recently-accessed eviction
//   - Mirror: durable copies of entries in the shared storage origin, used
//     as an offline fallback and visible to every tab
//
// TTLs are chosen by classifying the endpoint path; callers never pass a
// TTL themselves.
//
// # Basic Usage
//
//	store, err := cache.NewStore(cache.DefaultStoreConfig(), logger)
//	if err != nil {
//		return err
//	}
//	go store.Run(ctx)
//
//	key := cache.KeyFor("/api/documents?page=1").String()
//	if value, ok := store.Get(key); ok {
//		// serve cached value
//	}
//
//	_ = store.Set(key, body, cache.TTLFor("/api/documents?page=1"))
//
// # TTL Classes
//
//   - static (1h): categories, sources, OCR models, config, settings
//   - dynamic (5m): lists, summaries and anything unclassified
//   - realtime (30s): health, status and live metrics
//
// # Metrics
//
//   - docsync_cache_hits_total{layer} - hits by layer (memory, mirror)
//   - docsync_cache_misses_total{layer} - misses by layer
//   - docsync_cache_evictions_total{reason} - expired, lru, invalidated
//   - docsync_cache_entries - entries held in memory
//   - docsync_cache_errors_total{operation} - mirror errors
package cache
