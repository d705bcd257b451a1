package throttle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/storage"
)

// Prometheus metrics for throttle tracking.
var (
	throttleRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_throttle_remaining",
		Help: "Requests remaining in the current server rate limit window",
	})

	throttleBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_throttle_blocks_total",
		Help: "Total number of requests blocked by the shared throttle state",
	})

	throttleDelaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_throttle_delays_total",
		Help: "Total number of requests delayed because the remaining quota is low",
	})
)

const (
	// DefaultRetryAfter is used when a 429 carries no usable Retry-After.
	DefaultRetryAfter = 5 * time.Second

	// ThrottleDelay is the pause applied while the quota is low.
	ThrottleDelay = 1 * time.Second

	// epochThreshold separates X-RateLimit-Reset values given as unix
	// seconds from values given as seconds until reset.
	epochThreshold = 1_000_000_000
)

// Tracker monitors server rate limits and gates requests.
type Tracker struct {
	store  storage.Store
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewTracker creates a new throttle tracker over store.
func NewTracker(store storage.Store, clock clockwork.Clock, logger zerolog.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		store:  store,
		clock:  clock,
		logger: logger.With().Str("component", "throttle").Logger(),
	}
}

// GetState retrieves the current throttle state from storage.
// Returns a default healthy state if nothing is stored.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	now := t.clock.Now()
	if t.store == nil {
		return healthyState(now), nil
	}

	var state State
	if _, err := storage.GetJSON(ctx, t.store, StateKey, &state, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return healthyState(now), nil
		}
		return nil, fmt.Errorf("get throttle state: %w", err)
	}
	return &state, nil
}

// UpdateFromHeaders parses rate limit headers of a response and stores the
// resulting state. Responses without rate limit information leave the
// stored state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, status int, headers http.Header) error {
	now := t.clock.Now()
	state := healthyState(now)
	relevant := false

	if remainStr := headers.Get("X-RateLimit-Remaining"); remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}
		state.Remaining = remain
		relevant = true

		if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
			reset, err := strconv.ParseInt(resetStr, 10, 64)
			if err != nil {
				return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
			}
			if reset >= epochThreshold {
				state.ResetAt = time.Unix(reset, 0)
			} else {
				state.ResetAt = now.Add(time.Duration(reset) * time.Second)
			}
		}

		if remain <= 0 && state.ResetAt.After(now) {
			state.BlockedUntil = state.ResetAt
		}
	}

	if status == http.StatusTooManyRequests {
		relevant = true
		wait := parseRetryAfter(headers.Get("Retry-After"), now)
		if until := now.Add(wait); until.After(state.BlockedUntil) {
			state.BlockedUntil = until
		}
	}

	if !relevant {
		return nil
	}

	if state.Remaining != unknownRemaining {
		throttleRemaining.Set(float64(state.Remaining))
	}

	if t.store != nil {
		// Keep the state around at least as long as it can matter.
		ttl := time.Minute
		for _, until := range []time.Time{state.BlockedUntil, state.ResetAt} {
			if d := until.Sub(now); d > ttl {
				ttl = d
			}
		}
		if err := storage.PutJSON(ctx, t.store, StateKey, state, now, ttl); err != nil {
			return fmt.Errorf("store throttle state: %w", err)
		}
	}

	if state.Blocked(now) {
		t.logger.Warn().
			Int("status", status).
			Time("blocked_until", state.BlockedUntil).
			Msg("Server rate limit reached - requests blocked")
	} else {
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest checks the shared state. It returns false and the
// remaining wait while requests are blocked. While the quota is low it
// delays for ThrottleDelay before allowing the request.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("get throttle state: %w", err)
	}

	now := t.clock.Now()
	if state.Blocked(now) {
		wait := state.WaitTime(now)
		t.logger.Warn().
			Dur("wait_duration", wait).
			Msg("Server rate limit active - blocking request")
		throttleBlocksTotal.Inc()
		return false, wait, nil
	}

	if state.NeedsThrottling(now) {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Server rate limit low - delaying request")
		throttleDelaysTotal.Inc()

		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-t.clock.After(ThrottleDelay):
		}
	}

	return true, 0, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
		return 0
	}
	return DefaultRetryAfter
}
