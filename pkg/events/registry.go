// Package events provides the publish/subscribe hub that lets the cache,
// the realtime connection, the cross-tab bus and UI listeners communicate
// without direct references to each other.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for event delivery.
var (
	eventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_events_emitted_total",
		Help: "Total events emitted by name",
	}, []string{"event"})

	eventHandlerPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_event_handler_panics_total",
		Help: "Total event handlers that panicked, by event name",
	}, []string{"event"})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_events_dropped_total",
		Help: "Total events dropped because re-entrant emission exceeded the depth limit",
	}, []string{"event"})
)

// MaxEmitDepth bounds nested emissions within one call chain. A handler
// registered with OnContext that re-emits through EmitContext with the
// context it was given recurses; past this depth the emission is dropped
// and logged. Independent emissions, concurrent or not, never count
// against each other.
const MaxEmitDepth = 16

// Handler receives the payload passed to Emit.
type Handler func(payload any)

// ContextHandler receives the payload together with a context carrying the
// emit depth of the current call chain. Handlers that emit further events
// should pass ctx to EmitContext.
type ContextHandler func(ctx context.Context, payload any)

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	depth, _ := ctx.Value(depthKey{}).(int)
	return depth
}

// Subscription is the token returned by On. Holders must call Unsubscribe
// when the listener goes away; the registry never drops listeners on its
// own.
type Subscription struct {
	name     string
	handler  ContextHandler
	registry *Registry
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.registry == nil {
		return
	}
	s.registry.Off(s.name, s)
}

// Registry maps event names to ordered handler lists.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]*Subscription
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string][]*Subscription),
		logger:   logger.With().Str("component", "events").Logger(),
	}
}

// On registers handler for name. Multiple handlers per name are allowed
// and run in registration order.
func (r *Registry) On(name string, handler Handler) *Subscription {
	return r.OnContext(name, func(_ context.Context, payload any) {
		handler(payload)
	})
}

// OnContext is like On for handlers that need the emit context.
func (r *Registry) OnContext(name string, handler ContextHandler) *Subscription {
	sub := &Subscription{name: name, handler: handler, registry: r}

	r.mu.Lock()
	r.handlers[name] = append(r.handlers[name], sub)
	r.mu.Unlock()

	return sub
}

// Off removes a subscription previously returned by On.
func (r *Registry) Off(name string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[name]
	for i, s := range list {
		if s == sub {
			// Copy so snapshots held by in-flight Emit calls stay intact.
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, name)
			} else {
				r.handlers[name] = next
			}
			return
		}
	}
}

// Count returns the number of handlers registered for name.
func (r *Registry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name])
}

// Emit calls every handler registered for name, synchronously and in
// registration order. Handlers see a snapshot taken at call time, so
// subscribing or unsubscribing from inside a handler affects only later
// emissions. A panicking handler is logged and skipped.
func (r *Registry) Emit(name string, payload any) {
	r.EmitContext(context.Background(), name, payload)
}

// EmitContext is Emit within an existing call chain. ctx is normally the
// one handed to a ContextHandler; the emission is dropped once the chain
// is MaxEmitDepth deep.
func (r *Registry) EmitContext(ctx context.Context, name string, payload any) {
	depth := depthFrom(ctx)
	if depth >= MaxEmitDepth {
		eventsDroppedTotal.WithLabelValues(name).Inc()
		r.logger.Error().
			Str("event", name).
			Int("max_depth", MaxEmitDepth).
			Msg("Re-entrant emit depth exceeded, dropping event")
		return
	}

	r.mu.RLock()
	snapshot := r.handlers[name]
	r.mu.RUnlock()

	eventsEmittedTotal.WithLabelValues(name).Inc()

	ctx = context.WithValue(ctx, depthKey{}, depth+1)
	for i, sub := range snapshot {
		if err := r.invoke(ctx, sub, payload); err != nil {
			eventHandlerPanicsTotal.WithLabelValues(name).Inc()
			r.logger.Error().
				Err(err).
				Str("event", name).
				Int("handler", i).
				Msg("Event handler failed")
		}
	}
}

func (r *Registry) invoke(ctx context.Context, sub *Subscription, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	sub.handler(ctx, payload)
	return nil
}
