package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// PreferencePrefix namespaces preference keys inside the store.
const PreferencePrefix = "pref:"

// AuthTokenKey is the preference holding the bearer token, if any.
const AuthTokenKey = "auth_token"

// Preferences stores small values with optional expiry.
type Preferences struct {
	store Store
	clock clockwork.Clock
}

// NewPreferences wraps store.
func NewPreferences(store Store, clock clockwork.Clock) *Preferences {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Preferences{store: store, clock: clock}
}

// Set stores v under name. A zero ttl never expires.
func (p *Preferences) Set(ctx context.Context, name string, v any, ttl time.Duration) error {
	return PutJSON(ctx, p.store, PreferencePrefix+name, v, p.clock.Now(), ttl)
}

// Get loads name into v. Returns ErrNotFound when absent or expired.
func (p *Preferences) Get(ctx context.Context, name string, v any) error {
	_, err := GetJSON(ctx, p.store, PreferencePrefix+name, v, p.clock.Now())
	return err
}

// GetString returns a string preference, or "" when absent or expired.
func (p *Preferences) GetString(ctx context.Context, name string) (string, error) {
	var s string
	if err := p.Get(ctx, name, &s); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return s, nil
}

// Delete removes name.
func (p *Preferences) Delete(ctx context.Context, name string) error {
	return p.store.Delete(ctx, PreferencePrefix+name)
}
