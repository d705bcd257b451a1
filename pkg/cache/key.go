package cache

import (
	"net/url"
	"sort"
	"strings"
)

// keyPrefix starts every key string.
const keyPrefix = "docsync"

// CacheKey identifies a cached response.
type CacheKey struct {
	// Endpoint is the request path (e.g., "/api/documents")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"page": "1"})
	QueryParams url.Values

	// RawQuery holds a query string that could not be parsed; it is kept
	// verbatim so it still distinguishes the key.
	RawQuery string
}

// KeyFor builds a CacheKey from an endpoint that may carry a query string.
func KeyFor(endpoint string) CacheKey {
	path, rawQuery, _ := strings.Cut(endpoint, "?")
	key := CacheKey{Endpoint: path}
	if rawQuery != "" {
		if q, err := url.ParseQuery(rawQuery); err == nil {
			key.QueryParams = q
		} else {
			key.RawQuery = rawQuery
		}
	}
	return key
}

// String generates a deterministic cache key string.
// Format: docsync:path:query1=val1:query2=val2a,val2b
//
// Example:
//
//	docsync:api/documents:page=1
func (k CacheKey) String() string {
	parts := []string{keyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted for determinism; repeated values keep their order.
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, key+"="+strings.Join(k.QueryParams[key], ","))
		}
	}

	if k.RawQuery != "" {
		parts = append(parts, "?"+k.RawQuery)
	}

	return strings.Join(parts, ":")
}

// ResourcePrefix returns the key prefix covering every cached read of the
// resource an endpoint belongs to: the first two path segments, so
// "/api/documents/7/ocr" maps to the prefix of "/api/documents".
func ResourcePrefix(endpoint string) string {
	path, _, _ := strings.Cut(endpoint, "?")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return keyPrefix + ":" + strings.Join(segments, "/")
}
