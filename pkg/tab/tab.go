// Package tab wires one client instance: the registry, cache, offline
// detector, executor, realtime connection and cross-tab bus of a single tab,
// plus the bridges between them. Several tabs share one storage.Store.
package tab

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/cache"
	"github.com/Sternrassler/docsync-client/pkg/client"
	"github.com/Sternrassler/docsync-client/pkg/crosstab"
	"github.com/Sternrassler/docsync-client/pkg/events"
	"github.com/Sternrassler/docsync-client/pkg/offline"
	"github.com/Sternrassler/docsync-client/pkg/pagination"
	"github.com/Sternrassler/docsync-client/pkg/realtime"
	"github.com/Sternrassler/docsync-client/pkg/storage"
	"github.com/Sternrassler/docsync-client/pkg/throttle"
)

// Resources whose cached reads go stale when the server reports document
// activity.
var documentResources = []string{"/api/documents", "/api/dashboard"}

// Config holds the configuration of one tab.
type Config struct {
	// TabID identifies the tab on the cross-tab bus; random when empty.
	TabID string

	Client   client.Config
	Realtime realtime.Config
	Cache    cache.StoreConfig
	CrossTab crosstab.Config
	Prefetch pagination.Config
}

// Deps are the collaborators shared with, or injected into, the tab.
type Deps struct {
	// Store is the durable origin shared by every tab. Required.
	Store storage.Store

	// Dialer opens realtime connections (default: websocket).
	Dialer realtime.Dialer

	// HTTPClient performs REST calls (default: client.NewHTTPClient).
	HTTPClient *http.Client

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// ResourceChange is the payload of events.ResourceChanged.
type ResourceChange struct {
	Method   string `json:"method,omitempty"`
	Endpoint string `json:"endpoint"`
	Resource string `json:"resource"`
	Origin   string `json:"origin,omitempty"`
}

// Tab is one client instance.
type Tab struct {
	id     string
	logger zerolog.Logger

	registry   *events.Registry
	cache      *cache.Store
	mirror     *cache.Mirror
	offline    *offline.Detector
	throttle   *throttle.Tracker
	prefs      *storage.Preferences
	executor   *client.Executor
	realtime   *realtime.Manager
	bus        *crosstab.Bus
	prefetcher *pagination.Prefetcher

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
	teardown []func()
}

// New builds a tab. Nothing runs until Start.
func New(ctx context.Context, cfg Config, deps Deps) (*Tab, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	bus, err := crosstab.New(ctx, crosstab.Config{
		TabID:    cfg.TabID,
		Capacity: cfg.CrossTab.Capacity,
	}, deps.Store, clock, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("join cross-tab bus: %w", err)
	}

	id := bus.TabID()
	logger := deps.Logger.With().Str("tab_id", id).Logger()

	t := &Tab{
		id:       id,
		logger:   logger.With().Str("component", "tab").Logger(),
		bus:      bus,
		registry: events.NewRegistry(logger),
		mirror:   cache.NewMirror(deps.Store, clock, logger),
		throttle: throttle.NewTracker(deps.Store, clock, logger),
		prefs:    storage.NewPreferences(deps.Store, clock),
	}
	t.offline = offline.New(t.registry, clock, logger)

	cacheCfg := cfg.Cache
	cacheCfg.Clock = clock
	if cacheCfg.MaxEntries == 0 {
		cacheCfg.MaxEntries = cache.DefaultStoreConfig().MaxEntries
	}
	if t.cache, err = cache.NewStore(cacheCfg, logger); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	clientCfg := cfg.Client
	clientCfg.HTTPClient = deps.HTTPClient
	clientCfg.Cache = t.cache
	clientCfg.Mirror = t.mirror
	clientCfg.Offline = t.offline
	clientCfg.Events = t.registry
	clientCfg.Throttle = t.throttle
	clientCfg.Preferences = t.prefs
	clientCfg.Clock = clock
	clientCfg.Logger = logger
	if t.executor, err = client.New(clientCfg); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("create executor: %w", err)
	}

	if cfg.Realtime.URL != "" {
		dialer := deps.Dialer
		if dialer == nil {
			dialer = &realtime.WebSocketDialer{HTTPClient: deps.HTTPClient}
		}
		if t.realtime, err = realtime.NewManager(cfg.Realtime, dialer, t.registry, clock, logger); err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("create realtime manager: %w", err)
		}
	}

	t.prefetcher = pagination.NewPrefetcher(t.executor, cfg.Prefetch, logger)
	t.bridge()
	return t, nil
}

// bridge connects the components.
func (t *Tab) bridge() {
	// Local writes travel to peers.
	sub := t.registry.On(events.Mutation, func(payload any) {
		m, ok := payload.(client.Mutation)
		if !ok {
			return
		}
		change := ResourceChange{Method: m.Method, Endpoint: m.Endpoint, Resource: m.Resource, Origin: t.id}
		if err := t.bus.Broadcast(context.Background(), events.ResourceChanged, change); err != nil {
			t.logger.Warn().Err(err).Str("endpoint", m.Endpoint).Msg("Failed to broadcast resource change")
		}
	})
	t.teardown = append(t.teardown, sub.Unsubscribe)

	// Peer writes invalidate this tab's cache and are re-emitted locally.
	stop := t.bus.Listen(events.ResourceChanged, func(ev crosstab.SharedEvent) {
		if ev.OriginTabID == t.id {
			return
		}
		var change ResourceChange
		if err := ev.Decode(&change); err != nil {
			t.logger.Warn().Err(err).Msg("Ignoring unreadable resource change")
			return
		}
		t.executor.InvalidateResource(context.Background(), change.Endpoint)
		t.registry.Emit(events.ResourceChanged, change)
	})
	t.teardown = append(t.teardown, stop)

	if t.realtime == nil {
		return
	}

	invalidateDocuments := func(any) {
		for _, endpoint := range documentResources {
			t.executor.InvalidateResource(context.Background(), endpoint)
		}
	}
	for _, name := range []string{events.DocumentUploaded, events.DocumentProcessed} {
		sub := t.realtime.On(name, invalidateDocuments)
		t.teardown = append(t.teardown, sub.Unsubscribe)
	}

	// A live realtime connection proves the server is reachable.
	sub = t.registry.On(events.Connected, func(any) { t.offline.SetOnline() })
	t.teardown = append(t.teardown, sub.Unsubscribe)
}

// Start runs the cache sweeper and opens the realtime connection. A failed
// connection is not an error; the manager keeps reconnecting in the
// background.
func (t *Tab) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("tab %s is closed", t.id)
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.cache.Run(runCtx)
	}()

	if t.realtime != nil {
		if err := t.realtime.Connect(ctx); err != nil {
			t.logger.Warn().Err(err).Msg("Realtime connection not available yet")
		}
	}

	t.logger.Info().Bool("realtime", t.realtime != nil).Msg("Tab started")
	return nil
}

// Retry is the manual retry action: it clears the offline flag and
// reconnects the realtime channel with a fresh attempt budget.
func (t *Tab) Retry(ctx context.Context) error {
	t.offline.SetOnline()
	if t.realtime == nil {
		return nil
	}
	return t.realtime.Retry(ctx)
}

// Close stops timers, the realtime connection and the bus. The shared store
// is owned by the caller.
func (t *Tab) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, done := t.cancel, t.done
	teardown := t.teardown
	t.teardown = nil
	t.mu.Unlock()

	for _, fn := range teardown {
		fn()
	}
	if t.realtime != nil {
		t.realtime.Disconnect()
	}
	if cancel != nil {
		cancel()
		<-done
	}

	t.logger.Info().Msg("Tab closed")
	return t.bus.Close()
}

// ID returns the tab identifier.
func (t *Tab) ID() string { return t.id }

// Events returns the tab's event registry.
func (t *Tab) Events() *events.Registry { return t.registry }

// Client returns the request executor.
func (t *Tab) Client() *client.Executor { return t.executor }

// Cache returns the in-memory response cache.
func (t *Tab) Cache() *cache.Store { return t.cache }

// Offline returns the offline detector.
func (t *Tab) Offline() *offline.Detector { return t.offline }

// Realtime returns the connection manager, or nil when realtime is
// disabled.
func (t *Tab) Realtime() *realtime.Manager { return t.realtime }

// Bus returns the cross-tab bus.
func (t *Tab) Bus() *crosstab.Bus { return t.bus }

// Preferences returns the shared preference store.
func (t *Tab) Preferences() *storage.Preferences { return t.prefs }

// Prefetcher returns the page prefetcher.
func (t *Tab) Prefetcher() *pagination.Prefetcher { return t.prefetcher }
