package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key was not found or has expired
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidTTL indicates a non-positive TTL was passed to Set
	ErrInvalidTTL = errors.New("ttl must be positive")
)

// StoreConfig holds memory cache configuration.
type StoreConfig struct {
	// MaxEntries is the hard entry cap; inserting past it evicts the least
	// recently accessed entry.
	MaxEntries int

	// SweepInterval is how often Run removes expired entries.
	SweepInterval time.Duration

	// Clock is the time source (default: real clock).
	Clock clockwork.Clock
}

// DefaultStoreConfig returns production defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxEntries:    500,
		SweepInterval: time.Minute,
	}
}

// Store is the in-memory response cache. It is safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *Entry]

	// reason labels evictions reported by the lru callback; guarded by mu.
	reason string

	cfg    StoreConfig
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewStore creates a memory cache.
func NewStore(cfg StoreConfig, logger zerolog.Logger) (*Store, error) {
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", cfg.MaxEntries)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultStoreConfig().SweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Store{
		cfg:    cfg,
		clock:  cfg.Clock,
		reason: reasonLRU,
		logger: logger.With().Str("component", "cache").Logger(),
	}

	lru, err := simplelru.NewLRU[string, *Entry](cfg.MaxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s.lru = lru

	return s, nil
}

// onEvict runs under s.mu from inside the lru.
func (s *Store) onEvict(key string, _ *Entry) {
	CacheEvictions.WithLabelValues(s.reason).Inc()
	if s.reason == reasonLRU {
		s.logger.Debug().Str("key", key).Msg("Evicted least recently used entry")
	}
}

// removeLocked removes key, labelling the eviction with reason.
func (s *Store) removeLocked(key, reason string) bool {
	s.reason = reason
	removed := s.lru.Remove(key)
	s.reason = reasonLRU
	return removed
}

// Get returns the value under key. Expired entries are deleted and reported
// absent. A hit updates the entry's access bookkeeping and recency.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lru.Get(key)
	if !ok {
		CacheMisses.WithLabelValues(layerMemory).Inc()
		return nil, false
	}

	if entry.IsExpired(now) {
		s.removeLocked(key, reasonExpired)
		CacheEntries.Set(float64(s.lru.Len()))
		CacheMisses.WithLabelValues(layerMemory).Inc()
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	CacheHits.WithLabelValues(layerMemory).Inc()

	return append(json.RawMessage(nil), entry.Value...), true
}

// Peek returns a copy of the entry under key without touching its access
// bookkeeping or recency. Expired entries are reported absent.
func (s *Store) Peek(key string) (Entry, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lru.Peek(key)
	if !ok || entry.IsExpired(now) {
		return Entry{}, false
	}
	return *entry, true
}

// Set stores value under key for ttl.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}

	now := s.clock.Now()
	entry := &Entry{
		Key:            key,
		Value:          append(json.RawMessage(nil), value...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}

	s.mu.Lock()
	s.lru.Add(key, entry)
	n := s.lru.Len()
	s.mu.Unlock()

	CacheEntries.Set(float64(n))
	s.logger.Debug().
		Str("key", key).
		Dur("ttl", ttl).
		Msg("Cached response")

	return nil
}

// Delete removes key. It reports whether the key was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	removed := s.removeLocked(key, reasonDeleted)
	n := s.lru.Len()
	s.mu.Unlock()

	CacheEntries.Set(float64(n))
	return removed
}

// Len returns the number of entries held, including expired entries not
// yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// EvictExpired removes every expired entry and returns how many were
// removed.
func (s *Store) EvictExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	removed := 0
	for _, key := range s.lru.Keys() {
		entry, ok := s.lru.Peek(key)
		if ok && entry.IsExpired(now) {
			s.removeLocked(key, reasonExpired)
			removed++
		}
	}
	n := s.lru.Len()
	s.mu.Unlock()

	CacheEntries.Set(float64(n))
	return removed
}

// EvictLRU removes least recently accessed entries until at most
// maxEntries remain, regardless of their remaining TTL. It returns how many
// were removed.
func (s *Store) EvictLRU(maxEntries int) int {
	if maxEntries < 0 {
		maxEntries = 0
	}

	s.mu.Lock()
	removed := 0
	for s.lru.Len() > maxEntries {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			break
		}
		removed++
	}
	n := s.lru.Len()
	s.mu.Unlock()

	CacheEntries.Set(float64(n))
	return removed
}

// InvalidatePrefix removes every entry under prefix (see HasKeyPrefix) and
// returns how many were removed.
func (s *Store) InvalidatePrefix(prefix string) int {
	s.mu.Lock()
	removed := 0
	for _, key := range s.lru.Keys() {
		if HasKeyPrefix(key, prefix) {
			s.removeLocked(key, reasonInvalidated)
			removed++
		}
	}
	n := s.lru.Len()
	s.mu.Unlock()

	CacheEntries.Set(float64(n))
	if removed > 0 {
		s.logger.Debug().
			Str("prefix", prefix).
			Int("removed", removed).
			Msg("Invalidated cached responses")
	}
	return removed
}

// Run sweeps expired entries every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.EvictExpired(); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("Swept expired entries")
			}
		}
	}
}

// HasKeyPrefix reports whether key belongs under prefix: it equals prefix or
// continues it with a path or parameter separator, so "docsync:api/doc"
// does not cover "docsync:api/documents".
func HasKeyPrefix(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if len(key) == len(prefix) || prefix == "" {
		return true
	}
	switch key[len(prefix)] {
	case '/', ':':
		return true
	}
	return strings.HasSuffix(prefix, "/") || strings.HasSuffix(prefix, ":")
}
