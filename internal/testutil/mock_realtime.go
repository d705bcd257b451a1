package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// RealtimeMessage is the message shape spoken by MockRealtime.
type RealtimeMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// MockRealtime is a websocket server speaking the realtime protocol. Each
// connection is greeted with a "connected" welcome, subscribe/unsubscribe
// are acknowledged, ping gets a pong and heartbeat gets a heartbeat with
// the server time. Tests can push messages and drop connections.
type MockRealtime struct {
	server *httptest.Server

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	received []RealtimeMessage
	accepted int
}

// NewMockRealtime starts the server.
func NewMockRealtime() *MockRealtime {
	m := &MockRealtime{conns: make(map[*websocket.Conn]struct{})}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the ws:// URL of the server.
func (m *MockRealtime) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws/updates"
}

// Close drops every connection and stops the server.
func (m *MockRealtime) Close() {
	m.DropAll()
	m.server.Close()
}

// Accepted returns how many connections were accepted so far.
func (m *MockRealtime) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Connections returns how many connections are currently open.
func (m *MockRealtime) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Received returns a copy of every client message, in arrival order.
func (m *MockRealtime) Received() []RealtimeMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RealtimeMessage(nil), m.received...)
}

// Push sends msg to every open connection.
func (m *MockRealtime) Push(msgType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(RealtimeMessage{
		Type:      msgType,
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	for _, c := range m.snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := c.Write(ctx, websocket.MessageText, raw)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every open connection as if the server went away.
func (m *MockRealtime) DropAll() {
	for _, c := range m.snapshot() {
		_ = c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (m *MockRealtime) snapshot() []*websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(m.conns))
	for c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *MockRealtime) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.accepted++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, c)
		m.mu.Unlock()
		_ = c.CloseNow()
	}()

	ctx := r.Context()
	m.reply(ctx, c, "connected", map[string]string{
		"connection_id": fmt.Sprintf("conn-%d", m.Accepted()),
		"message":       "connection established",
		"server_time":   time.Now().UTC().Format(time.RFC3339),
	})

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		var msg RealtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.reply(ctx, c, "error", map[string]string{
				"message": "Invalid JSON",
				"error":   err.Error(),
			})
			continue
		}

		m.mu.Lock()
		m.received = append(m.received, msg)
		m.mu.Unlock()

		switch msg.Type {
		case "heartbeat":
			m.reply(ctx, c, "heartbeat", map[string]string{
				"status":      "alive",
				"server_time": time.Now().UTC().Format(time.RFC3339),
			})
		case "ping":
			m.reply(ctx, c, "pong", nil)
		case "subscribe", "unsubscribe":
			var body struct {
				Channels []string `json:"channels"`
			}
			_ = json.Unmarshal(msg.Data, &body)
			m.reply(ctx, c, msg.Type+"d", map[string]any{
				"channels": body.Channels,
				"message":  "ok",
			})
		}
	}
}

func (m *MockRealtime) reply(ctx context.Context, c *websocket.Conn, msgType string, data any) {
	msg := RealtimeMessage{Type: msgType, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if data != nil {
		msg.Data, _ = json.Marshal(data)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.Write(ctx, websocket.MessageText, raw)
}
