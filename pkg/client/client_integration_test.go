//go:build integration

package client

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/docsync-client/internal/testutil"
	"github.com/Sternrassler/docsync-client/pkg/cache"
	"github.com/Sternrassler/docsync-client/pkg/events"
	"github.com/Sternrassler/docsync-client/pkg/offline"
	"github.com/Sternrassler/docsync-client/pkg/storage"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

// newRedisExecutor builds an executor whose mirror lives in Redis.
func newRedisExecutor(t *testing.T, redisClient *redis.Client, baseURL string) (*Executor, *offline.Detector) {
	t.Helper()

	logger := zerolog.Nop()
	origin := storage.NewRedisStore(redisClient, "it", logger)
	t.Cleanup(func() { origin.Close() })

	registry := events.NewRegistry(logger)
	detector := offline.New(registry, nil, logger)
	store, err := cache.NewStore(cache.DefaultStoreConfig(), logger)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig(baseURL)
	cfg.Retry = RetryConfig{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond}
	cfg.Cache = store
	cfg.Mirror = cache.NewMirror(origin, nil, logger)
	cfg.Offline = detector
	cfg.Events = registry
	cfg.Preferences = storage.NewPreferences(origin, nil)
	cfg.Logger = logger

	exec, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return exec, detector
}

func TestIntegration_MirrorSharedAcrossProcesses(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse("/api/documents", testutil.NewJSONResponse(`{"items":[1,2,3],"total_pages":1}`))

	ctx := context.Background()
	online, _ := newRedisExecutor(t, redisClient, api.URL())
	cold, coldDetector := newRedisExecutor(t, redisClient, api.URL())

	// First process fetches and mirrors the page.
	if _, err := online.Get(ctx, "/api/documents?page=1"); err != nil {
		t.Fatalf("online Get failed: %v", err)
	}

	// Second process goes offline with a cold memory cache.
	coldDetector.SetOffline("integration test")
	api.Reset()

	got, err := cold.Get(ctx, "/api/documents?page=1")
	if err != nil {
		t.Fatalf("offline Get failed: %v", err)
	}
	if string(got) != `{"items":[1,2,3],"total_pages":1}` {
		t.Errorf("body = %s", got)
	}
	if api.TotalRequests() != 0 {
		t.Errorf("offline read made %d requests", api.TotalRequests())
	}

	// A write from the first process drops the mirrored copy for everyone.
	api.SetResponse("/api/documents/1", testutil.NewJSONResponse(`{"id":1}`))
	if _, err := online.Delete(ctx, "/api/documents/1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	cold2, cold2Detector := newRedisExecutor(t, redisClient, api.URL())
	cold2Detector.SetOffline("integration test")
	if _, err := cold2.Get(ctx, "/api/documents?page=1"); err == nil {
		t.Error("mirrored copy should be invalidated by the write")
	}
}

func TestIntegration_AuthTokenFromRedisPreferences(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse("/api/settings", testutil.NewJSONResponse(`{"theme":"dark"}`))

	ctx := context.Background()
	prefs := storage.NewPreferences(storage.NewRedisStore(redisClient, "it", zerolog.Nop()), nil)
	if err := prefs.Set(ctx, storage.AuthTokenKey, "redis-token", time.Hour); err != nil {
		t.Fatal(err)
	}

	exec, _ := newRedisExecutor(t, redisClient, api.URL())
	if _, err := exec.Get(ctx, "/api/settings"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if auth := api.LastRequestHeader().Get("Authorization"); auth != "Bearer redis-token" {
		t.Errorf("Authorization = %q", auth)
	}
}
