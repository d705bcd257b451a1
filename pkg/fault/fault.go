// Package fault defines the error taxonomy shared by the request executor
// and the realtime connection manager. Every error that crosses a public
// contract carries a stable Kind and a user-facing message.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry decisions and user messaging.
type Kind string

const (
	// KindNetwork represents transport-level failures (refused, reset, DNS).
	KindNetwork Kind = "network"

	// KindTimeout represents a per-attempt deadline that elapsed.
	KindTimeout Kind = "timeout"

	// KindHTTP represents a non-2xx response from the server.
	KindHTTP Kind = "http"

	// KindOffline represents a read refused because the client is offline
	// and nothing usable is cached.
	KindOffline Kind = "offline"

	// KindParse represents a response body that is not valid JSON.
	KindParse Kind = "parse"

	// KindConnection represents a failure of the realtime channel.
	KindConnection Kind = "connection"
)

// Error is the failure object handed to collaborators.
type Error struct {
	Kind Kind

	// Status is the HTTP status code for KindHTTP, zero otherwise.
	Status int

	// Message is the server-supplied or internal detail.
	Message string

	// Attempts is the number of network attempts made before giving up.
	Attempts int

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s error (status %d)", e.Kind, e.Status)
	} else {
		msg += " error"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient. Server errors,
// timeouts and transport failures are; client errors, parse failures and
// offline refusals are not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTP:
		return e.Status >= 500
	default:
		return false
	}
}

// NetworkRelated reports whether exhausting retries on this failure means
// the server is unreachable, which flips the client into offline mode.
func (e *Error) NetworkRelated() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindConnection:
		return true
	case KindHTTP:
		return e.Status == http.StatusBadGateway ||
			e.Status == http.StatusServiceUnavailable ||
			e.Status == http.StatusGatewayTimeout
	default:
		return false
	}
}

// New creates an Error of the given kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// HTTP creates a KindHTTP error for the given status.
func HTTP(status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Kind: KindHTTP, Status: status, Message: message}
}

// KindOf returns the Kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
