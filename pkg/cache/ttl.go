package cache

import (
	"strings"
	"time"
)

// TTLClass groups endpoints by how quickly their data goes stale.
type TTLClass string

const (
	// ClassStatic covers reference data and configuration.
	ClassStatic TTLClass = "static"

	// ClassDynamic covers lists and summaries. Unclassified endpoints
	// fall here.
	ClassDynamic TTLClass = "dynamic"

	// ClassRealtime covers live status endpoints.
	ClassRealtime TTLClass = "realtime"
)

// TTLs per class.
const (
	StaticTTL   = 1 * time.Hour
	DynamicTTL  = 5 * time.Minute
	RealtimeTTL = 30 * time.Second
)

// Path fragments checked in order; realtime markers win over static ones so
// "/api/ocr/status" is not treated as reference data.
var (
	realtimeMarkers = []string{"/health", "/status", "/live", "/performance-metrics", "/stats"}
	staticMarkers   = []string{"/categories", "/sources", "/models", "/config", "/settings", "/static"}
)

// Classify returns the TTL class of an endpoint path. Query strings are
// ignored.
func Classify(endpoint string) TTLClass {
	path, _, _ := strings.Cut(endpoint, "?")
	path = strings.ToLower(strings.TrimRight(path, "/"))

	for _, m := range realtimeMarkers {
		if containsSegment(path, m) {
			return ClassRealtime
		}
	}
	for _, m := range staticMarkers {
		if containsSegment(path, m) {
			return ClassStatic
		}
	}
	return ClassDynamic
}

// TTL returns the duration for a class.
func (c TTLClass) TTL() time.Duration {
	switch c {
	case ClassStatic:
		return StaticTTL
	case ClassRealtime:
		return RealtimeTTL
	default:
		return DynamicTTL
	}
}

// TTLFor returns the TTL for an endpoint.
func TTLFor(endpoint string) time.Duration {
	return Classify(endpoint).TTL()
}

// containsSegment matches marker as a whole path segment (or segment
// prefix ending at "/" or end of path).
func containsSegment(path, marker string) bool {
	idx := strings.Index(path, marker)
	for idx >= 0 {
		end := idx + len(marker)
		if end == len(path) || path[end] == '/' {
			return true
		}
		next := strings.Index(path[end:], marker)
		if next < 0 {
			return false
		}
		idx = end + next
	}
	return false
}
