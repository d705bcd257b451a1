package cache

import (
	"encoding/json"
	"time"
)

// Entry is a cached response.
type Entry struct {
	// Key is the endpoint+params fingerprint
	Key string `json:"key"`

	// Value is the decoded JSON response body
	Value json.RawMessage `json:"value"`

	// CreatedAt is when the response was stored
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the entry becomes stale; always after CreatedAt
	ExpiresAt time.Time `json:"expires_at"`

	// AccessCount is incremented on every hit
	AccessCount int `json:"access_count"`

	// LastAccessedAt is the time of the last hit (CreatedAt until then)
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// IsExpired returns true if the entry has expired at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the time until expiration at now.
// Returns 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
