package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/storage"
)

// MirrorPrefix prefixes every mirrored entry in durable storage.
const MirrorPrefix = "cache:"

// Mirror keeps durable copies of cached responses in the shared storage
// origin. Reads fall back to it while offline, and every tab sharing the
// origin sees the same copies.
type Mirror struct {
	store  storage.Store
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewMirror creates a mirror over store.
func NewMirror(store storage.Store, clock clockwork.Clock, logger zerolog.Logger) *Mirror {
	if store == nil {
		panic("storage cannot be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Mirror{
		store:  store,
		clock:  clock,
		logger: logger.With().Str("component", "cache_mirror").Logger(),
	}
}

// Save stores value under key with the same ttl as the memory entry.
func (m *Mirror) Save(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}
	if err := storage.PutJSON(ctx, m.store, MirrorPrefix+key, value, m.clock.Now(), ttl); err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("mirror save %s: %w", key, err)
	}
	return nil
}

// Load returns the mirrored value under key. Missing or expired entries
// return ErrCacheMiss.
func (m *Mirror) Load(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	_, err := storage.GetJSON(ctx, m.store, MirrorPrefix+key, &value, m.clock.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			CacheMisses.WithLabelValues(layerMirror).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("mirror load %s: %w", key, err)
	}

	CacheHits.WithLabelValues(layerMirror).Inc()
	return value, nil
}

// Delete removes the mirrored copy of key.
func (m *Mirror) Delete(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, MirrorPrefix+key); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("mirror delete %s: %w", key, err)
	}
	return nil
}

// InvalidatePrefix removes every mirrored entry under prefix and returns how
// many were removed.
func (m *Mirror) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := m.store.Keys(ctx, MirrorPrefix+prefix)
	if err != nil {
		CacheErrors.WithLabelValues("invalidate").Inc()
		return 0, fmt.Errorf("mirror list %s: %w", prefix, err)
	}

	removed := 0
	for _, k := range keys {
		if !HasKeyPrefix(strings.TrimPrefix(k, MirrorPrefix), prefix) {
			continue
		}
		if err := m.store.Delete(ctx, k); err != nil {
			CacheErrors.WithLabelValues("invalidate").Inc()
			return removed, fmt.Errorf("mirror delete %s: %w", k, err)
		}
		removed++
	}

	if removed > 0 {
		m.logger.Debug().
			Str("prefix", prefix).
			Int("removed", removed).
			Msg("Invalidated mirrored responses")
	}
	return removed, nil
}
