// Package realtime maintains the persistent duplex channel to the server:
// heartbeats, exponential-backoff reconnection, outbound queueing while
// disconnected and typed dispatch of server-pushed messages.
package realtime

import (
	"encoding/json"
	"time"
)

// State is the connection state, owned by the Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// SendResult tells whether Send wrote the message or queued it.
type SendResult int

const (
	Sent SendResult = iota
	Queued
)

// String returns the result name.
func (r SendResult) String() string {
	if r == Sent {
		return "sent"
	}
	return "queued"
}

// Message is the wire shape of every realtime message. Type is the
// discriminant; Timestamp is ISO 8601.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Decode unmarshals Data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Client message types.
const (
	TypeHeartbeat   = "heartbeat"
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// TypeWelcome is the first message the server sends on a new connection.
// It is dispatched as events.ServerWelcome so it cannot be mistaken for
// the manager's own connected event.
const TypeWelcome = "connected"

// Welcome is the payload of the server welcome message.
type Welcome struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message,omitempty"`
	ServerTime   string `json:"server_time,omitempty"`
}

// channelsData is the payload of subscribe and unsubscribe.
type channelsData struct {
	Channels []string `json:"channels"`
}

// Lifecycle is the payload of the connected, disconnected and reconnecting
// events.
type Lifecycle struct {
	State State `json:"state"`

	// Attempt is the reconnect attempt being scheduled (reconnecting only).
	Attempt int `json:"attempt,omitempty"`

	// Delay is the wait before that attempt (reconnecting only).
	Delay time.Duration `json:"delay,omitempty"`

	// Reason describes why the connection went away (disconnected only).
	Reason string `json:"reason,omitempty"`
}
