package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a process-local origin. Every tab created against the same
// MemoryStore shares its keys and sees each other's writes through
// Subscribe. Notifications are delivered synchronously on the writer's
// goroutine after the write has been applied, without locks held.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	subMu  sync.RWMutex
	subs   map[uint64]func(Change)
	nextID uint64
}

// NewMemoryStore creates an empty in-memory origin.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		subs: make(map[uint64]func(Change)),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	stored := append([]byte(nil), value...)

	s.mu.Lock()
	s.data[key] = stored
	s.mu.Unlock()

	s.notify(Change{Key: key, Value: stored})
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()

	if existed {
		s.notify(Change{Key: key})
	}
	return nil
}

// Update implements Store. fn runs with the store locked, so it must not
// call back into the store.
func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	var current []byte
	if v, ok := s.data[key]; ok {
		current = append([]byte(nil), v...)
	}

	next, err := fn(current)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stored := append([]byte(nil), next...)
	s.data[key] = stored
	s.mu.Unlock()

	s.notify(Change{Key: key, Value: stored})
	return nil
}

// Keys implements Store. The result is sorted.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *MemoryStore) notify(change Change) {
	s.subMu.RLock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}
