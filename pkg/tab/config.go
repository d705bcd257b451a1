package tab

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/cache"
	"github.com/Sternrassler/docsync-client/pkg/client"
	"github.com/Sternrassler/docsync-client/pkg/config"
	"github.com/Sternrassler/docsync-client/pkg/crosstab"
	"github.com/Sternrassler/docsync-client/pkg/pagination"
	"github.com/Sternrassler/docsync-client/pkg/realtime"
	"github.com/Sternrassler/docsync-client/pkg/storage"
)

// FromConfig maps the loaded configuration onto a tab configuration.
func FromConfig(c *config.Config) Config {
	clientCfg := client.DefaultConfig(c.API.BaseURL)
	clientCfg.UserAgent = c.API.UserAgent
	clientCfg.AttemptTimeout = c.API.Timeout
	clientCfg.Retry = client.RetryConfig{
		MaxAttempts: c.API.MaxAttempts,
		BaseDelay:   c.API.RetryBaseDelay,
	}

	rtCfg := realtime.DefaultConfig(c.Realtime.URL)
	rtCfg.HeartbeatInterval = c.Realtime.HeartbeatInterval
	rtCfg.ReconnectBase = c.Realtime.ReconnectBase
	rtCfg.ReconnectCap = c.Realtime.ReconnectCap
	rtCfg.MaxReconnectAttempts = c.Realtime.MaxReconnectAttempts
	rtCfg.QueueLimit = c.Realtime.QueueLimit

	return Config{
		Client:   clientCfg,
		Realtime: rtCfg,
		Cache: cache.StoreConfig{
			MaxEntries:    c.Cache.MaxEntries,
			SweepInterval: c.Cache.SweepInterval,
		},
		CrossTab: crosstab.Config{Capacity: c.CrossTab.Capacity},
		Prefetch: pagination.DefaultConfig(),
	}
}

// OpenStore opens the durable store selected by cfg. The returned close
// function releases it.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return storage.NewMemoryStore(), func() error { return nil }, nil

	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}

		store := storage.NewRedisStore(redisClient, cfg.Namespace, logger)
		closeFn := func() error {
			storeErr := store.Close()
			if err := redisClient.Close(); err != nil {
				return err
			}
			return storeErr
		}
		return store, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
