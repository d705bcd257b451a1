// Package storage provides the durable same-origin key-value store shared by
// every tab of one client: the cross-tab event log, mirrored cache entries
// and small preference values all live here, wrapped in JSON envelopes.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the key does not exist or its envelope expired.
	ErrNotFound = errors.New("storage: key not found")

	// ErrConflict indicates an Update lost a race too many times.
	ErrConflict = errors.New("storage: update conflict")
)

// Change describes a write observed through Subscribe. Value is nil when
// the key was deleted.
type Change struct {
	Key   string
	Value []byte
}

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the durable same-origin key-value store.
type Store interface {
	// Get returns the raw value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key and notifies subscribers.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key and notifies subscribers. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically replaces the value of key with fn's result.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Keys returns every key with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Subscribe registers fn for change notifications and returns a
	// function that removes it.
	Subscribe(fn func(Change)) (unsubscribe func())
}
