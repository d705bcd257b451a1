// Package throttle implements server rate limit tracking and request gating.
// It reads 429 Retry-After and the X-RateLimit-Remaining / X-RateLimit-Reset
// headers and shares the resulting state through durable storage so every
// tab backs off together.
package throttle

import (
	"time"
)

// StateKey is the storage key of the shared throttle state.
const StateKey = "throttle:state"

// Thresholds for throttle decisions.
const (
	// RemainingThresholdWarning slows requests down when the server reports
	// fewer remaining requests than this in the current window.
	RemainingThresholdWarning = 5

	// unknownRemaining marks a state that carries no quota information.
	unknownRemaining = -1
)

// State is the current server rate limit state.
// This state is shared across all tabs via storage.
type State struct {
	// BlockedUntil is when requests may resume. Zero when not blocked.
	BlockedUntil time.Time `json:"blocked_until"`

	// Remaining is the number of requests left in the current window, or -1
	// when the server did not report one.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was written.
	LastUpdate time.Time `json:"last_update"`
}

// healthyState is assumed until a response says otherwise.
func healthyState(now time.Time) *State {
	return &State{
		Remaining:  unknownRemaining,
		LastUpdate: now,
	}
}

// Blocked reports whether requests must wait at now.
func (s *State) Blocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// WaitTime returns the time until requests may resume.
// Returns 0 if not blocked.
func (s *State) WaitTime(now time.Time) time.Duration {
	wait := s.BlockedUntil.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// NeedsThrottling returns true if the remaining quota is low but not
// exhausted and the window has not reset yet.
func (s *State) NeedsThrottling(now time.Time) bool {
	if s.Remaining == unknownRemaining || !now.Before(s.ResetAt) {
		return false
	}
	return s.Remaining > 0 && s.Remaining < RemainingThresholdWarning
}
