// Package metrics exposes the Prometheus metrics of the docsync client.
// Metrics are defined in their own packages and registered via promauto;
// this package serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every docsync metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - docsync_requests_total{resource, status} (Counter)
//   - docsync_request_duration_seconds{resource} (Histogram)
//   - docsync_request_errors_total{kind} (Counter)
//   - docsync_request_retries_total{kind} (Counter)
//   - docsync_request_retry_backoff_seconds{kind} (Histogram)
//   - docsync_request_retry_exhausted_total{kind} (Counter)
//
// Cache Metrics (pkg/cache):
//   - docsync_cache_hits_total{layer="memory|mirror"} (Counter)
//   - docsync_cache_misses_total{layer} (Counter)
//   - docsync_cache_evictions_total{reason="expired|lru|invalidated|deleted"} (Counter)
//   - docsync_cache_entries (Gauge)
//   - docsync_cache_errors_total{operation} (Counter)
//
// Connectivity Metrics (pkg/offline, pkg/realtime):
//   - docsync_offline (Gauge): 1 while offline
//   - docsync_offline_transitions_total{to} (Counter)
//   - docsync_realtime_state (Gauge): 0 disconnected, 1 connecting, 2 connected
//   - docsync_realtime_reconnects_total (Counter)
//   - docsync_realtime_messages_total{direction="in|out|queued"} (Counter)
//   - docsync_realtime_messages_dropped_total{reason} (Counter)
//
// Throttle Metrics (pkg/throttle):
//   - docsync_throttle_remaining (Gauge)
//   - docsync_throttle_blocks_total (Counter)
//   - docsync_throttle_delays_total (Counter)
//
// Event Metrics (pkg/events, pkg/crosstab):
//   - docsync_events_emitted_total{event} (Counter)
//   - docsync_events_dropped_total{event} (Counter): re-entrant emits past the depth limit
//   - docsync_event_handler_panics_total{event} (Counter)
//   - docsync_crosstab_broadcasts_total{name} (Counter)
//   - docsync_crosstab_replays_total{name} (Counter)
//   - docsync_crosstab_log_errors_total (Counter)
//
// Storage and Prefetch Metrics (pkg/storage, pkg/pagination):
//   - docsync_storage_errors_total{operation} (Counter)
//   - docsync_storage_update_conflicts_total (Counter)
//   - docsync_prefetch_pages_total{status} (Counter)
//   - docsync_prefetch_duration_seconds (Histogram)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(docsync_cache_hits_total[5m])) /
//   (sum(rate(docsync_cache_hits_total[5m])) + sum(rate(docsync_cache_misses_total{layer="memory"}[5m])))
//
//   # Tabs currently offline
//   sum(docsync_offline)
//
//   # Reconnect churn
//   rate(docsync_realtime_reconnects_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(docsync_request_duration_seconds_bucket[5m]))
