package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/events"
	"github.com/Sternrassler/docsync-client/pkg/fault"
)

var (
	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_realtime_state",
		Help: "Realtime connection state (0=disconnected, 1=connecting, 2=connected)",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_realtime_reconnects_total",
		Help: "Total reconnect attempts scheduled",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_realtime_messages_total",
		Help: "Total realtime messages by direction",
	}, []string{"direction"}) // "in", "out", "queued"

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_realtime_messages_dropped_total",
		Help: "Total realtime messages dropped by reason",
	}, []string{"reason"}) // "malformed", "unhandled", "queue_full"
)

// ErrEncode is returned by Send when a message cannot be marshalled.
var ErrEncode = errors.New("encode realtime message")

// Config holds the realtime manager configuration.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws/updates.
	URL string

	// HeartbeatInterval is how often a heartbeat is written while connected.
	HeartbeatInterval time.Duration

	// ReconnectBase is the first reconnect delay.
	ReconnectBase time.Duration

	// ReconnectCap bounds every reconnect delay.
	ReconnectCap time.Duration

	// MaxReconnectAttempts is how many reconnects are scheduled before the
	// manager gives up and emits connection_failed.
	MaxReconnectAttempts int

	// QueueLimit bounds the outbound queue; the oldest message is dropped
	// when full.
	QueueLimit int

	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration

	// WriteTimeout bounds one write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default realtime configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
		QueueLimit:           100,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("realtime url is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be > 0 (got %v)", c.HeartbeatInterval)
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect_base must be > 0 (got %v)", c.ReconnectBase)
	}
	if c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("reconnect_cap must be >= reconnect_base (got %v < %v)", c.ReconnectCap, c.ReconnectBase)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must be >= 0 (got %d)", c.MaxReconnectAttempts)
	}
	if c.QueueLimit < 1 {
		return fmt.Errorf("queue_limit must be >= 1 (got %d)", c.QueueLimit)
	}
	return nil
}

// Manager owns one realtime connection and its reconnection schedule.
//
// Every connection gets a generation number. Goroutines and timers carry the
// generation they were started for and do nothing once it is stale, so a
// torn-down connection can never touch its successor.
type Manager struct {
	cfg    Config
	dialer Dialer
	events *events.Registry
	clock  clockwork.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	gen       uint64
	attempts  int
	queue     [][]byte
	timer     clockwork.Timer
	stopConn  context.CancelFunc
	manual    bool
	exhausted bool

	// writeMu serializes writes; it is acquired while holding mu so the
	// order of writes matches the order of state decisions.
	writeMu sync.Mutex
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, dialer Dialer, registry *events.Registry, clock clockwork.Clock, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid realtime config: %w", err)
	}
	if dialer == nil {
		panic("dialer cannot be nil")
	}
	if registry == nil {
		panic("event registry cannot be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	stateGauge.Set(float64(Disconnected))
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		events: registry,
		clock:  clock,
		logger: logger.With().Str("component", "realtime").Logger(),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnects scheduled since the last
// successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// QueueLen returns the number of messages waiting for a connection.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// On registers handler for messages (or lifecycle events) named msgType.
func (m *Manager) On(msgType string, handler events.Handler) *events.Subscription {
	return m.events.On(msgType, handler)
}

// Connect dials the server unless a connection is already open or being
// opened. A failed dial schedules a reconnect and returns a connection
// fault.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.manual = false
	m.gen++
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		m.dialFailed(gen, err)
		return fault.New(fault.KindConnection, "connect failed", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		// Disconnect was called while dialing.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	connCtx, stop := context.WithCancel(context.Background())
	m.conn = conn
	m.stopConn = stop
	m.attempts = 0
	m.exhausted = false
	m.setStateLocked(Connected)
	pending := m.queue
	m.queue = nil
	m.writeMu.Lock()
	m.mu.Unlock()

	go m.readLoop(connCtx, gen, conn)
	go m.heartbeatLoop(connCtx, gen)

	flushed, err := m.flush(conn, pending)
	m.writeMu.Unlock()
	if err != nil {
		m.requeueFront(pending[flushed:])
		m.connectionLost(gen, err)
		return nil
	}

	m.logger.Info().
		Str("url", m.cfg.URL).
		Int("flushed", flushed).
		Msg("Realtime connection established")
	m.events.Emit(events.Connected, Lifecycle{State: Connected})
	return nil
}

// Disconnect closes the connection, cancels any scheduled reconnect and
// drops queued messages. No reconnect follows until Connect or Retry.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.stopTimerLocked()
	conn, stop := m.conn, m.stopConn
	wasConnected := m.state == Connected
	m.conn, m.stopConn = nil, nil
	m.queue = nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		m.logger.Info().Msg("Realtime connection closed by client")
		m.events.Emit(events.Disconnected, Lifecycle{State: Disconnected, Reason: "client disconnect"})
	}
}

// Close is Disconnect.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// Retry resets the reconnect counter and connects immediately.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	m.attempts = 0
	m.exhausted = false
	m.stopTimerLocked()
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Send writes msg if connected, otherwise queues it for the next
// connection. A write failure is treated as a lost connection and the
// message is queued.
func (m *Manager) Send(msg Message) (SendResult, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = m.clock.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Queued, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	m.mu.Lock()
	if m.state != Connected {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return Queued, nil
	}
	conn, gen := m.conn, m.gen
	m.writeMu.Lock()
	m.mu.Unlock()

	err = m.write(conn, data)
	m.writeMu.Unlock()
	if err != nil {
		m.requeueFront([][]byte{data})
		m.connectionLost(gen, err)
		return Queued, nil
	}
	return Sent, nil
}

// Subscribe asks the server for updates on channels.
func (m *Manager) Subscribe(channels ...string) (SendResult, error) {
	return m.sendChannels(TypeSubscribe, channels)
}

// Unsubscribe stops updates on channels.
func (m *Manager) Unsubscribe(channels ...string) (SendResult, error) {
	return m.sendChannels(TypeUnsubscribe, channels)
}

// Ping asks the server for a pong.
func (m *Manager) Ping() (SendResult, error) {
	return m.Send(Message{Type: TypePing})
}

func (m *Manager) sendChannels(msgType string, channels []string) (SendResult, error) {
	data, err := json.Marshal(channelsData{Channels: channels})
	if err != nil {
		return Queued, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return m.Send(Message{Type: msgType, Data: data})
}

func (m *Manager) write(conn Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return err
	}
	messagesTotal.WithLabelValues("out").Inc()
	return nil
}

// flush writes pending in order and returns how many were written. The
// caller holds writeMu.
func (m *Manager) flush(conn Conn, pending [][]byte) (int, error) {
	for i, data := range pending {
		if err := m.write(conn, data); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

func (m *Manager) enqueueLocked(data []byte) {
	if len(m.queue) >= m.cfg.QueueLimit {
		m.queue = m.queue[1:]
		messagesDropped.WithLabelValues("queue_full").Inc()
		m.logger.Warn().
			Int("limit", m.cfg.QueueLimit).
			Msg("Outbound queue full, dropped oldest message")
	}
	m.queue = append(m.queue, data)
	messagesTotal.WithLabelValues("queued").Inc()
}

func (m *Manager) requeueFront(msgs [][]byte) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manual {
		return
	}
	queue := make([][]byte, 0, len(msgs)+len(m.queue))
	queue = append(queue, msgs...)
	queue = append(queue, m.queue...)
	if over := len(queue) - m.cfg.QueueLimit; over > 0 {
		queue = queue[over:]
		messagesDropped.WithLabelValues("queue_full").Add(float64(over))
	}
	m.queue = queue
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.connectionLost(gen, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		messagesDropped.WithLabelValues("malformed").Inc()
		m.logger.Warn().
			Err(err).
			Int("bytes", len(data)).
			Msg("Dropping malformed realtime message")
		return
	}
	messagesTotal.WithLabelValues("in").Inc()

	name := msg.Type
	if name == TypeWelcome {
		name = events.ServerWelcome
		var welcome Welcome
		if err := msg.Decode(&welcome); err == nil {
			m.logger.Debug().Str("connection_id", welcome.ConnectionID).Msg("Server welcomed connection")
		}
	}

	if m.events.Count(name) == 0 {
		messagesDropped.WithLabelValues("unhandled").Inc()
		m.logger.Debug().Str("type", msg.Type).Msg("No handler for realtime message")
		return
	}
	m.events.Emit(name, msg)
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.heartbeat(gen); err != nil {
				m.connectionLost(gen, err)
				return
			}
		}
	}
}

func (m *Manager) heartbeat(gen uint64) error {
	data, err := json.Marshal(Message{
		Type:      TypeHeartbeat,
		Timestamp: m.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.state != Connected {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.writeMu.Lock()
	m.mu.Unlock()

	err = m.write(conn, data)
	m.writeMu.Unlock()
	return err
}

// connectionLost tears down the connection of generation gen, if it is still
// current, and schedules a reconnect.
func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.gen++
	conn, stop := m.conn, m.stopConn
	m.conn, m.stopConn = nil, nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	stop()
	_ = conn.Close()

	reason := "connection closed"
	if cause != nil {
		reason = cause.Error()
	}
	m.logger.Warn().Err(cause).Msg("Realtime connection lost")
	m.events.Emit(events.Disconnected, Lifecycle{State: Disconnected, Reason: reason})

	m.scheduleReconnect()
}

func (m *Manager) dialFailed(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	m.logger.Warn().Err(err).Str("url", m.cfg.URL).Msg("Realtime connect failed")
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manual || m.state != Disconnected || m.timer != nil || m.exhausted {
		m.mu.Unlock()
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.exhausted = true
		attempts := m.attempts
		m.mu.Unlock()

		m.logger.Error().Int("attempts", attempts).Msg("Realtime reconnection abandoned")
		m.events.Emit(events.ConnectionFailed, &fault.Error{
			Kind:     fault.KindConnection,
			Message:  "unable to reach realtime server",
			Attempts: attempts,
		})
		return
	}

	delay := ReconnectDelay(m.attempts, m.cfg.ReconnectBase, m.cfg.ReconnectCap)
	m.attempts++
	attempt := m.attempts
	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	reconnectsTotal.Inc()
	m.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Scheduling realtime reconnect")
	m.events.Emit(events.Reconnecting, Lifecycle{State: Disconnected, Attempt: attempt, Delay: delay})
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.manual {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	_ = m.Connect(context.Background())
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	stateGauge.Set(float64(s))
}
