package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/internal/testutil"
	"github.com/Sternrassler/docsync-client/pkg/client"
	"github.com/Sternrassler/docsync-client/pkg/config"
	"github.com/Sternrassler/docsync-client/pkg/storage"
	"github.com/Sternrassler/docsync-client/pkg/tab"
)

func setupTestTab(t *testing.T, api *testutil.MockAPI) *tab.Tab {
	t.Helper()

	cfg := tab.FromConfig(config.Default())
	cfg.Client.BaseURL = api.URL()
	cfg.Client.Retry = client.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}
	cfg.Realtime.URL = ""

	tb, err := tab.New(context.Background(), cfg, tab.Deps{
		Store:      storage.NewMemoryStore(),
		HTTPClient: api.Client(),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create tab: %v", err)
	}
	t.Cleanup(func() { _ = tb.Close() })
	return tb
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	tb := setupTestTab(t, api)

	handler := readyHandler(tb)

	t.Run("ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("not_ready_offline", func(t *testing.T) {
		tb.Offline().SetOffline("network error")
		defer tb.Offline().SetOnline()

		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "network error") {
			t.Errorf("Expected cause in body, got %q", w.Body.String())
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	tb := setupTestTab(t, api)

	w := httptest.NewRecorder()
	newMux(tb).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	// Gauges are exported even before any request.
	for _, name := range []string{"docsync_offline", "docsync_cache_entries"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	tb := setupTestTab(t, api)

	w := httptest.NewRecorder()
	newMux(tb).ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))

	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if resp.TabID != tb.ID() || resp.Realtime != "disabled" || resp.Offline {
		t.Errorf("status = %+v", resp)
	}
}

func TestRetryEndpoint(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	tb := setupTestTab(t, api)
	mux := newMux(tb)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/retry", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /retry status = %d, want 405", w.Code)
	}

	tb.Offline().SetOffline("test")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/retry", nil))
	if w.Code != http.StatusOK {
		t.Errorf("POST /retry status = %d", w.Code)
	}
	if tb.Offline().IsOffline() {
		t.Error("retry should clear the offline flag")
	}
}

func TestAPIHandler(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse("/api/documents", testutil.NewJSONResponse(`{"items":[1]}`))
	api.SetResponse("/api/missing", testutil.NewErrorResponse(http.StatusNotFound, "Document not found"))
	api.SetResponse("/api/broken", testutil.NewServiceUnavailableResponse())

	tb := setupTestTab(t, api)
	handler := apiHandler(tb.Client())

	t.Run("cached_get", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest("GET", "/api/documents", nil))
			if w.Code != http.StatusOK || w.Body.String() != `{"items":[1]}` {
				t.Fatalf("GET = %d %s", w.Code, w.Body.String())
			}
		}
		if n := api.RequestCount("/api/documents"); n != 1 {
			t.Errorf("backend requests = %d, want 1 (second served from cache)", n)
		}
	})

	t.Run("post_forwards_body", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("POST", "/api/documents", strings.NewReader(`{"title":"x"}`)))
		if w.Code != http.StatusOK {
			t.Fatalf("POST status = %d", w.Code)
		}
		if string(api.LastBody()) != `{"title":"x"}` {
			t.Errorf("forwarded body = %s", api.LastBody())
		}
	})

	t.Run("client_error_passes_status", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/api/missing", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
		var body map[string]string
		_ = json.NewDecoder(w.Body).Decode(&body)
		if body["error"] != "Document not found" || body["kind"] != "http" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("server_error_is_bad_gateway", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/api/broken", nil))
		if w.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", w.Code)
		}
	})

	t.Run("offline_uncached_is_unavailable", func(t *testing.T) {
		tb.Offline().SetOffline("test")
		defer tb.Offline().SetOnline()

		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/api/never-fetched", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("invalid_method", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("PATCH", "/api/documents", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", w.Code)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  listen_addr: \":9000\"\napi:\n  base_url: http://file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, tabID, err := loadConfig([]string{
		"--config", path,
		"--api-url", "http://flag",
		"--prefetch", "/api/documents,/api/categories",
		"--ws-url", "",
		"--tab-id", "agent-1",
	})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if cfg.Agent.ListenAddr != ":9000" {
		t.Errorf("listen = %q, want file value", cfg.Agent.ListenAddr)
	}
	if cfg.API.BaseURL != "http://flag" {
		t.Errorf("api url = %q, flag should win", cfg.API.BaseURL)
	}
	if cfg.Realtime.URL != "" {
		t.Errorf("ws url = %q, want disabled", cfg.Realtime.URL)
	}
	if len(cfg.Agent.Prefetch) != 2 || tabID != "agent-1" {
		t.Errorf("prefetch = %v, tab id = %q", cfg.Agent.Prefetch, tabID)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	if _, _, err := loadConfig([]string{"--storage", "etcd"}); err == nil {
		t.Error("loadConfig should reject an unknown backend")
	}
	if _, _, err := loadConfig([]string{"--no-such-flag"}); err == nil {
		t.Error("loadConfig should reject unknown flags")
	}
}
