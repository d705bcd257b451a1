package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (memory, mirror)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"layer"},
	)

	// CacheEvictions tracks removed entries by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_cache_evictions_total",
			Help: "Total number of evicted cache entries",
		},
		[]string{"reason"}, // "expired", "lru", "invalidated"
	)

	// CacheEntries tracks entries held in memory
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_cache_entries",
			Help: "Current number of entries in the memory cache",
		},
	)

	// CacheErrors tracks mirror operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "load", "save", "delete", "invalidate"
	)
)

const (
	layerMemory = "memory"
	layerMirror = "mirror"

	reasonExpired     = "expired"
	reasonLRU         = "lru"
	reasonInvalidated = "invalidated"
	reasonDeleted     = "deleted"
)
