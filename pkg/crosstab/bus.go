// Package crosstab propagates named events between tabs sharing one durable
// store. Each broadcast is dispatched locally and appended to a bounded log
// in the store; peers replay every event they have not seen exactly once.
package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/events"
	"github.com/Sternrassler/docsync-client/pkg/storage"
)

var (
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_crosstab_broadcasts_total",
		Help: "Total events broadcast by this process",
	}, []string{"name"})

	replaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_crosstab_replays_total",
		Help: "Total foreign events replayed locally",
	}, []string{"name"})

	logErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_crosstab_log_errors_total",
		Help: "Total failures reading or writing the shared event log",
	})
)

// LogKey is the storage key of the shared event log.
const LogKey = "crosstab:events"

// DefaultCapacity is the default number of events kept in the log.
const DefaultCapacity = 50

// ErrClosed is returned by Broadcast after Close.
var ErrClosed = errors.New("crosstab: bus closed")

// SharedEvent is one entry of the shared log.
type SharedEvent struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   int64           `json:"timestamp"` // unix ms
	OriginTabID string          `json:"origin_tab_id"`
}

// Decode unmarshals the payload into v.
func (e SharedEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Config holds the bus configuration.
type Config struct {
	// TabID identifies this tab; a random uuid when empty.
	TabID string

	// Capacity bounds the shared log; the oldest events are dropped.
	Capacity int
}

// Bus is one tab's endpoint on the shared log.
type Bus struct {
	store    storage.Store
	tabID    string
	capacity int
	clock    clockwork.Clock
	logger   zerolog.Logger

	listeners *events.Registry

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	unsub     func()
	closed    bool
}

// New joins the shared log. Events already in the log are treated as seen.
func New(ctx context.Context, cfg Config, store storage.Store, clock clockwork.Clock, logger zerolog.Logger) (*Bus, error) {
	if store == nil {
		panic("storage cannot be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1 (got %d)", cfg.Capacity)
	}
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}

	logger = logger.With().Str("component", "crosstab").Str("tab_id", cfg.TabID).Logger()
	b := &Bus{
		store:     store,
		tabID:     cfg.TabID,
		capacity:  cfg.Capacity,
		clock:     clock,
		logger:    logger,
		listeners: events.NewRegistry(logger),
		seen:      make(map[string]struct{}),
	}

	// Hold mu while seeding so notifications that race with the initial
	// read wait until the seen set is complete.
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unsub = store.Subscribe(b.onChange)

	existing, err := b.readLog(ctx)
	if err != nil {
		b.unsub()
		return nil, fmt.Errorf("read shared log: %w", err)
	}
	for _, ev := range existing {
		b.markSeenLocked(ev.ID)
	}

	b.logger.Debug().Int("existing", len(existing)).Msg("Joined cross-tab bus")
	return b, nil
}

// TabID returns this tab's identifier.
func (b *Bus) TabID() string {
	return b.tabID
}

// Listen registers cb for events named name, whether broadcast by this tab
// or replayed from a peer. The returned function removes it.
func (b *Bus) Listen(name string, cb func(SharedEvent)) func() {
	sub := b.listeners.On(name, func(payload any) {
		if ev, ok := payload.(SharedEvent); ok {
			cb(ev)
		}
	})
	return sub.Unsubscribe
}

// Broadcast dispatches the event to local listeners, then appends it to the
// shared log so peers replay it. Local dispatch happens even when the
// append fails.
func (b *Bus) Broadcast(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}

	ev := SharedEvent{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		Timestamp:   b.clock.Now().UnixMilli(),
		OriginTabID: b.tabID,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.markSeenLocked(ev.ID)
	b.mu.Unlock()

	broadcastsTotal.WithLabelValues(name).Inc()
	b.listeners.Emit(name, ev)

	err = b.store.Update(ctx, LogKey, func(current []byte) ([]byte, error) {
		log, err := decodeLog(current)
		if err != nil {
			// A corrupt log is replaced rather than blocking every tab.
			b.logger.Warn().Err(err).Msg("Discarding unreadable shared log")
			log = nil
		}
		log = append(log, ev)
		if over := len(log) - b.capacity; over > 0 {
			log = log[over:]
		}
		return json.Marshal(log)
	})
	if err != nil {
		logErrors.Inc()
		return fmt.Errorf("append %s to shared log: %w", name, err)
	}

	b.logger.Debug().Str("event", name).Str("id", ev.ID).Msg("Broadcast event")
	return nil
}

// History returns the shared log, oldest first.
func (b *Bus) History(ctx context.Context) ([]SharedEvent, error) {
	return b.readLog(ctx)
}

// Close stops replaying peer events. Local listeners stay registered but
// receive nothing further.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	unsub := b.unsub
	b.mu.Unlock()

	unsub()
	return nil
}

func (b *Bus) readLog(ctx context.Context) ([]SharedEvent, error) {
	data, err := b.store.Get(ctx, LogKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		logErrors.Inc()
		return nil, err
	}
	return decodeLog(data)
}

func (b *Bus) onChange(change storage.Change) {
	if change.Key != LogKey || change.Value == nil {
		return
	}

	log, err := decodeLog(change.Value)
	if err != nil {
		logErrors.Inc()
		b.logger.Warn().Err(err).Msg("Ignoring unreadable shared log")
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var fresh []SharedEvent
	for _, ev := range log {
		if _, ok := b.seen[ev.ID]; ok {
			continue
		}
		b.markSeenLocked(ev.ID)
		if ev.OriginTabID == b.tabID {
			continue
		}
		fresh = append(fresh, ev)
	}
	b.mu.Unlock()

	for _, ev := range fresh {
		replaysTotal.WithLabelValues(ev.Name).Inc()
		b.logger.Debug().
			Str("event", ev.Name).
			Str("origin", ev.OriginTabID).
			Time("at", time.UnixMilli(ev.Timestamp)).
			Msg("Replaying peer event")
		b.listeners.Emit(ev.Name, ev)
	}
}

// markSeenLocked records id. The set holds four logs' worth of ids; ids
// older than that can no longer appear in the log.
func (b *Bus) markSeenLocked(id string) {
	if _, ok := b.seen[id]; ok {
		return
	}
	b.seen[id] = struct{}{}
	b.seenOrder = append(b.seenOrder, id)

	if limit := 4 * b.capacity; len(b.seenOrder) > limit {
		drop := len(b.seenOrder) - limit
		for _, old := range b.seenOrder[:drop] {
			delete(b.seen, old)
		}
		b.seenOrder = append([]string(nil), b.seenOrder[drop:]...)
	}
}

func decodeLog(data []byte) ([]SharedEvent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var log []SharedEvent
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("decode shared log: %w", err)
	}
	return log, nil
}
