package tab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/internal/testutil"
	"github.com/Sternrassler/docsync-client/pkg/cache"
	"github.com/Sternrassler/docsync-client/pkg/client"
	"github.com/Sternrassler/docsync-client/pkg/config"
	"github.com/Sternrassler/docsync-client/pkg/events"
	"github.com/Sternrassler/docsync-client/pkg/realtime"
	"github.com/Sternrassler/docsync-client/pkg/storage"
)

func testConfig(apiURL, wsURL string) Config {
	cfg := FromConfig(config.Default())
	cfg.Client.BaseURL = apiURL
	cfg.Client.Retry = client.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}
	cfg.Client.AttemptTimeout = 2 * time.Second
	cfg.Realtime.URL = wsURL
	cfg.Realtime.ReconnectBase = 10 * time.Millisecond
	cfg.Realtime.ReconnectCap = 50 * time.Millisecond
	return cfg
}

func newTestTab(t *testing.T, cfg Config, store storage.Store, api *testutil.MockAPI) *Tab {
	t.Helper()
	tb, err := New(context.Background(), cfg, Deps{
		Store:      store,
		HTTPClient: api.Client(),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = tb.Close() })
	return tb
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(context.Background(), testConfig("http://x", ""), Deps{}); err == nil {
		t.Error("New should fail without a store")
	}
}

func TestNew_InvalidClientConfig(t *testing.T) {
	cfg := testConfig("", "")
	if _, err := New(context.Background(), cfg, Deps{Store: storage.NewMemoryStore()}); err == nil {
		t.Error("New should reject an empty base url")
	}
}

func TestTab_WriteInvalidatesPeerCache(t *testing.T) {
	ctx := context.Background()
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse("/api/documents", testutil.NewJSONResponse(`{"items":[],"total_pages":1}`))

	store := storage.NewMemoryStore()
	tabA := newTestTab(t, testConfig(api.URL(), ""), store, api)
	tabB := newTestTab(t, testConfig(api.URL(), ""), store, api)

	changed := make(chan ResourceChange, 1)
	tabB.Events().On(events.ResourceChanged, func(payload any) {
		changed <- payload.(ResourceChange)
	})

	if _, err := tabB.Client().Get(ctx, "/api/documents"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	key := cache.KeyFor("/api/documents").String()
	if _, ok := tabB.Cache().Peek(key); !ok {
		t.Fatal("tab B should have cached the list")
	}

	if _, err := tabA.Client().Post(ctx, "/api/documents", map[string]string{"title": "new"}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	select {
	case change := <-changed:
		if change.Endpoint != "/api/documents" || change.Origin != tabA.ID() {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tab B did not receive resource_changed")
	}
	if _, ok := tabB.Cache().Peek(key); ok {
		t.Error("tab B cache should be invalidated by tab A's write")
	}
}

func TestTab_RealtimeDocumentEventsInvalidate(t *testing.T) {
	ctx := context.Background()
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse("/api/documents", testutil.NewJSONResponse(`{"items":[]}`))
	api.SetResponse("/api/dashboard/summary", testutil.NewJSONResponse(`{"total":1}`))

	server := testutil.NewMockRealtime()
	defer server.Close()

	tb := newTestTab(t, testConfig(api.URL(), server.URL()), storage.NewMemoryStore(), api)
	if err := tb.Start(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "realtime connection", func() bool { return tb.Realtime().State() == realtime.Connected })

	for _, endpoint := range []string{"/api/documents", "/api/dashboard/summary"} {
		if _, err := tb.Client().Get(ctx, endpoint); err != nil {
			t.Fatalf("Get %s failed: %v", endpoint, err)
		}
	}
	if tb.Cache().Len() != 2 {
		t.Fatalf("cache entries = %d, want 2", tb.Cache().Len())
	}

	if err := server.Push(events.DocumentUploaded, map[string]any{"id": 9}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "document invalidation", func() bool { return tb.Cache().Len() == 0 })
}

func TestTab_RetryClearsOffline(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	tb := newTestTab(t, testConfig(api.URL(), ""), storage.NewMemoryStore(), api)
	tb.Offline().SetOffline("test")

	if err := tb.Retry(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tb.Offline().IsOffline() {
		t.Error("Retry should clear the offline flag")
	}
}

func TestTab_RealtimeConnectClearsOffline(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	server := testutil.NewMockRealtime()
	defer server.Close()

	tb := newTestTab(t, testConfig(api.URL(), server.URL()), storage.NewMemoryStore(), api)
	tb.Offline().SetOffline("test")

	if err := tb.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "online", func() bool { return !tb.Offline().IsOffline() })
}

func TestTab_StartCloseLifecycle(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	tb := newTestTab(t, testConfig(api.URL(), ""), storage.NewMemoryStore(), api)
	if tb.Realtime() != nil {
		t.Error("realtime should be disabled without a url")
	}

	ctx := context.Background()
	if err := tb.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tb.Start(ctx); err != nil {
		t.Errorf("second Start should be a no-op: %v", err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if err := tb.Start(ctx); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestTab_PrefetchWarmsCacheForOffline(t *testing.T) {
	ctx := context.Background()
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetHandler("/api/documents", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"page":%s,"total_pages":3}`, r.URL.Query().Get("page"))
	})

	tb := newTestTab(t, testConfig(api.URL(), ""), storage.NewMemoryStore(), api)

	pages, err := tb.Prefetcher().FetchAllPages(ctx, "/api/documents")
	if err != nil {
		t.Fatalf("FetchAllPages failed: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}

	tb.Offline().SetOffline("test")
	before := api.TotalRequests()
	data, err := tb.Client().Get(ctx, "/api/documents?page=2")
	if err != nil {
		t.Fatalf("offline Get of prefetched page failed: %v", err)
	}
	if string(data) != `{"page":2,"total_pages":3}` {
		t.Errorf("data = %s", data)
	}
	if api.TotalRequests() != before {
		t.Error("offline read should not reach the network")
	}
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.API.BaseURL = "https://docs.example.com"
	c.API.MaxAttempts = 5
	c.Realtime.QueueLimit = 7
	c.Cache.MaxEntries = 42
	c.CrossTab.Capacity = 9

	cfg := FromConfig(c)
	if cfg.Client.BaseURL != c.API.BaseURL || cfg.Client.Retry.MaxAttempts != 5 {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Realtime.URL != c.Realtime.URL || cfg.Realtime.QueueLimit != 7 {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if cfg.Cache.MaxEntries != 42 || cfg.CrossTab.Capacity != 9 {
		t.Errorf("cache = %+v, crosstab = %+v", cfg.Cache, cfg.CrossTab)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{"memory", config.StorageConfig{Backend: config.BackendMemory}, false},
		{"redis", config.StorageConfig{Backend: config.BackendRedis, RedisAddr: mr.Addr(), Namespace: "t"}, false},
		{"redis unreachable", config.StorageConfig{Backend: config.BackendRedis, RedisAddr: "127.0.0.1:1"}, true},
		{"unknown", config.StorageConfig{Backend: "etcd"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeFn, err := OpenStore(ctx, tt.cfg, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer closeFn()

			if err := store.Set(ctx, "k", []byte("v")); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("Get missing error = %v", err)
			}
		})
	}
}
