// Package offline tracks whether a tab can reach the server and tells the
// UI when that changes.
package offline

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/events"
)

var (
	offlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_offline",
		Help: "1 while the client considers itself offline",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_offline_transitions_total",
		Help: "Total connectivity transitions by target state",
	}, []string{"to"}) // "offline", "online"
)

// Notification levels.
const (
	LevelWarning = "warning"
	LevelSuccess = "success"
)

// Notification is the payload of the offline and reconnected events, shaped
// for direct display.
type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Status is a snapshot of the detector.
type Status struct {
	Offline bool
	Since   time.Time
	Cause   string
}

// Detector holds one tab's connectivity flag. The zero value is not usable;
// use New.
type Detector struct {
	mu      sync.RWMutex
	offline bool
	since   time.Time
	cause   string

	events *events.Registry
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New creates a detector that starts online.
func New(registry *events.Registry, clock clockwork.Clock, logger zerolog.Logger) *Detector {
	if registry == nil {
		panic("event registry cannot be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{
		events: registry,
		clock:  clock,
		since:  clock.Now(),
		logger: logger.With().Str("component", "offline").Logger(),
	}
}

// IsOffline reports the current flag.
func (d *Detector) IsOffline() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.offline
}

// Status returns a snapshot of the flag, when it last changed and why.
func (d *Detector) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Status{Offline: d.offline, Since: d.since, Cause: d.cause}
}

// SetOffline raises the flag. It returns true and emits events.Offline only
// on the online to offline transition.
func (d *Detector) SetOffline(cause string) bool {
	d.mu.Lock()
	if d.offline {
		d.mu.Unlock()
		return false
	}
	d.offline = true
	d.since = d.clock.Now()
	d.cause = cause
	d.mu.Unlock()

	offlineGauge.Set(1)
	transitionsTotal.WithLabelValues("offline").Inc()
	d.logger.Warn().Str("cause", cause).Msg("Switched to offline mode")

	d.events.Emit(events.Offline, Notification{
		Level:   LevelWarning,
		Title:   "Offline",
		Message: "Connection to the server was lost. Cached data is shown where available.",
	})
	return true
}

// SetOnline clears the flag. It returns true and emits events.Reconnected
// only on the offline to online transition.
func (d *Detector) SetOnline() bool {
	d.mu.Lock()
	if !d.offline {
		d.mu.Unlock()
		return false
	}
	offlineFor := d.clock.Since(d.since)
	d.offline = false
	d.since = d.clock.Now()
	d.cause = ""
	d.mu.Unlock()

	offlineGauge.Set(0)
	transitionsTotal.WithLabelValues("online").Inc()
	d.logger.Info().Dur("offline_for", offlineFor).Msg("Connection restored")

	d.events.Emit(events.Reconnected, Notification{
		Level:   LevelSuccess,
		Title:   "Back online",
		Message: "Connection to the server was restored.",
	})
	return true
}
