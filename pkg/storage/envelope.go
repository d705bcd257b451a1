package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the persisted shape of every value: the payload, when it was
// written, and an optional expiry (both unix milliseconds).
type Envelope struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Expiry    *int64          `json:"expiry,omitempty"`
}

// Expired reports whether the envelope is past its expiry at now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.Expiry != nil && now.UnixMilli() >= *e.Expiry
}

// Wrap encodes v into an envelope stamped at now. A positive ttl sets the
// expiry.
func Wrap(v any, now time.Time, ttl time.Duration) ([]byte, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	env := Envelope{
		Value:     value,
		Timestamp: now.UnixMilli(),
	}
	if ttl > 0 {
		expiry := now.Add(ttl).UnixMilli()
		env.Expiry = &expiry
	}

	return json.Marshal(env)
}

// Unwrap decodes an envelope.
func Unwrap(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// PutJSON stores v under key in an envelope.
func PutJSON(ctx context.Context, s Store, key string, v any, now time.Time, ttl time.Duration) error {
	data, err := Wrap(v, now, ttl)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data)
}

// GetJSON loads the envelope under key into v. Expired envelopes are
// deleted and reported as ErrNotFound.
func GetJSON(ctx context.Context, s Store, key string, v any, now time.Time) (*Envelope, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	env, err := Unwrap(data)
	if err != nil {
		return nil, err
	}

	if env.Expired(now) {
		if err := s.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("delete expired %s: %w", key, err)
		}
		return nil, ErrNotFound
	}

	if v != nil {
		if err := json.Unmarshal(env.Value, v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", key, err)
		}
	}

	return env, nil
}
