package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the Redis-backed origin.
var (
	storageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_storage_errors_total",
		Help: "Total durable storage operation errors",
	}, []string{"operation"})

	storageUpdateConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_storage_update_conflicts_total",
		Help: "Total optimistic transaction retries in Update",
	})
)

const (
	// DefaultNamespace prefixes every key written by RedisStore.
	DefaultNamespace = "docsync"

	// maxUpdateRetries bounds WATCH/MULTI retries in Update.
	maxUpdateRetries = 10
)

// changeMessage is the pub/sub payload announcing a write.
type changeMessage struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// RedisStore is an origin shared by tabs running in different processes.
// Writes are announced on a pub/sub channel; subscribers receive them
// asynchronously, including writes made by the same process.
type RedisStore struct {
	redis     *redis.Client
	namespace string
	channel   string
	logger    zerolog.Logger

	mu     sync.Mutex
	subs   map[uint64]func(Change)
	nextID uint64
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	// starting is closed when an in-flight listener startup finishes.
	starting chan struct{}
}

// NewRedisStore creates a store on redisClient. An empty namespace uses
// DefaultNamespace.
func NewRedisStore(redisClient *redis.Client, namespace string, logger zerolog.Logger) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisStore{
		redis:     redisClient,
		namespace: namespace,
		channel:   namespace + ":changes",
		logger:    logger.With().Str("component", "storage").Logger(),
		subs:      make(map[uint64]func(Change)),
	}
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		storageErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	msg, err := json.Marshal(changeMessage{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(key), value, 0)
		pipe.Publish(ctx, s.channel, msg)
		return nil
	})
	if err != nil {
		storageErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	msg, err := json.Marshal(changeMessage{Key: key, Deleted: true})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(key))
		pipe.Publish(ctx, s.channel, msg)
		return nil
	})
	if err != nil {
		storageErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Update implements Store with WATCH/MULTI optimistic locking.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	fullKey := s.key(key)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("redis get: %w", err)
		}
		if err == redis.Nil {
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		msg, err := json.Marshal(changeMessage{Key: key, Value: next})
		if err != nil {
			return fmt.Errorf("marshal change: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, next, 0)
			pipe.Publish(ctx, s.channel, msg)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, fullKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			storageUpdateConflictsTotal.Inc()
			continue
		}
		storageErrorsTotal.WithLabelValues("update").Inc()
		return err
	}

	storageErrorsTotal.WithLabelValues("update").Inc()
	return fmt.Errorf("%w: %s after %d attempts", ErrConflict, key, maxUpdateRetries)
}

// Keys implements Store using SCAN.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := s.redis.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace+":"))
	}
	if err := iter.Err(); err != nil {
		storageErrorsTotal.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Subscribe implements Store. The pub/sub listener starts with the first
// subscription; every caller returns only once it is listening.
func (s *RedisStore) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	var ready chan struct{}
	needStart := false
	if s.pubsub == nil {
		if s.starting == nil {
			s.starting = make(chan struct{})
			needStart = true
		}
		ready = s.starting
	}
	s.mu.Unlock()

	switch {
	case needStart:
		if err := s.startListener(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to start change listener")
		}
		s.mu.Lock()
		s.starting = nil
		s.mu.Unlock()
		close(ready)
	case ready != nil:
		<-ready
	}

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *RedisStore) startListener() error {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.redis.Subscribe(ctx, s.channel)

	// Wait for the subscription confirmation so writes issued after
	// Subscribe returns are observed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.pubsub = pubsub
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.listen(pubsub.Channel(), done)

	s.logger.Debug().Str("channel", s.channel).Msg("Change listener started")
	return nil
}

func (s *RedisStore) listen(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for msg := range messages {
		var cm changeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed change message")
			continue
		}

		change := Change{Key: cm.Key}
		if !cm.Deleted {
			change.Value = cm.Value
			if change.Value == nil {
				change.Value = []byte{}
			}
		}

		s.mu.Lock()
		fns := make([]func(Change), 0, len(s.subs))
		for i := uint64(0); i < s.nextID; i++ {
			if fn, ok := s.subs[i]; ok {
				fns = append(fns, fn)
			}
		}
		s.mu.Unlock()

		for _, fn := range fns {
			fn(change)
		}
	}
}

// Close stops the change listener. The Redis client is owned by the
// caller and is not closed.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	pubsub, cancel, done := s.pubsub, s.cancel, s.done
	s.pubsub, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if pubsub == nil {
		return nil
	}

	cancel()
	err := pubsub.Close()
	<-done
	return err
}
