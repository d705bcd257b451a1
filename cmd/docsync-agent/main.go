// Command docsync-agent hosts one headless tab: it keeps the response cache
// warm, holds the realtime connection and serves the cached API, health and
// metrics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/docsync-client/pkg/client"
	"github.com/Sternrassler/docsync-client/pkg/config"
	"github.com/Sternrassler/docsync-client/pkg/events"
	"github.com/Sternrassler/docsync-client/pkg/fault"
	"github.com/Sternrassler/docsync-client/pkg/logging"
	"github.com/Sternrassler/docsync-client/pkg/metrics"
	"github.com/Sternrassler/docsync-client/pkg/offline"
	"github.com/Sternrassler/docsync-client/pkg/tab"
)

// maxBodyBytes bounds pass-through request bodies.
const maxBodyBytes = 10 << 20

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "docsync-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, tabID, err := loadConfig(args)
	if err != nil {
		return err
	}

	fault.SetLocale(fault.Locale(cfg.Locale))
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := tab.OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tabCfg := tab.FromConfig(cfg)
	tabCfg.TabID = tabID
	t, err := tab.New(ctx, tabCfg, tab.Deps{Store: store, Logger: logger})
	if err != nil {
		return fmt.Errorf("create tab: %w", err)
	}
	defer t.Close()

	logTransitions(t, logger)

	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("start tab: %w", err)
	}
	go prefetch(ctx, t, cfg.Agent.Prefetch, logger)

	srv := &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           newMux(t),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Agent.ListenAddr).
			Str("api", cfg.API.BaseURL).
			Str("storage", cfg.Storage.Backend).
			Str("tab_id", t.ID()).
			Msg("Starting docsync agent")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig resolves the configuration file, environment and flags, in
// that order of precedence (flags win).
func loadConfig(args []string) (*config.Config, string, error) {
	fs := pflag.NewFlagSet("docsync-agent", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", os.Getenv("DOCSYNC_CONFIG"), "path to YAML config file")
	listen := fs.String("listen", "", "HTTP listen address")
	apiURL := fs.String("api-url", "", "REST API base URL")
	wsURL := fs.String("ws-url", "", "realtime websocket URL (empty string disables realtime)")
	backend := fs.String("storage", "", "storage backend (memory or redis)")
	redisAddr := fs.String("redis-addr", "", "Redis address for the redis backend")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	pretty := fs.Bool("pretty", false, "human-readable console logs")
	prefetchList := fs.StringSlice("prefetch", nil, "paginated endpoints to warm at startup")
	tabID := fs.String("tab-id", "", "tab identifier (random when empty)")

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, "", err
	}

	if fs.Changed("listen") {
		cfg.Agent.ListenAddr = *listen
	}
	if fs.Changed("api-url") {
		cfg.API.BaseURL = *apiURL
	}
	if fs.Changed("ws-url") {
		cfg.Realtime.URL = *wsURL
	}
	if fs.Changed("storage") {
		cfg.Storage.Backend = *backend
	}
	if fs.Changed("redis-addr") {
		cfg.Storage.RedisAddr = *redisAddr
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = *logLevel
	}
	if fs.Changed("pretty") {
		cfg.Logging.Pretty = *pretty
	}
	if fs.Changed("prefetch") {
		cfg.Agent.Prefetch = *prefetchList
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, *tabID, nil
}

// logTransitions surfaces the notifications a UI would show.
func logTransitions(t *tab.Tab, logger zerolog.Logger) {
	notify := func(payload any) {
		if n, ok := payload.(offline.Notification); ok {
			logger.Info().Str("level", n.Level).Str("title", n.Title).Msg(n.Message)
		}
	}
	t.Events().On(events.Offline, notify)
	t.Events().On(events.Reconnected, notify)
	t.Events().On(events.ConnectionFailed, func(payload any) {
		if fe, ok := payload.(*fault.Error); ok {
			logger.Error().Err(fe).Msg(fe.UserMessage())
		}
	})
}

func prefetch(ctx context.Context, t *tab.Tab, endpoints []string, logger zerolog.Logger) {
	for _, endpoint := range endpoints {
		if _, err := t.Prefetcher().FetchAllPages(ctx, endpoint); err != nil {
			logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Prefetch failed")
		}
	}
}

func newMux(t *tab.Tab) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(t))
	mux.HandleFunc("/status", statusHandler(t))
	mux.HandleFunc("/retry", retryHandler(t))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/", apiHandler(t.Client()))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready unless the tab is offline.
func readyHandler(t *tab.Tab) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status := t.Offline().Status(); status.Offline {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "offline since %s: %s", status.Since.Format(time.RFC3339), status.Cause)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

type statusResponse struct {
	TabID        string `json:"tab_id"`
	Offline      bool   `json:"offline"`
	Realtime     string `json:"realtime"`
	Reconnects   int    `json:"reconnect_attempts"`
	QueuedOut    int    `json:"queued_messages"`
	CacheEntries int    `json:"cache_entries"`
}

func statusHandler(t *tab.Tab) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			TabID:        t.ID(),
			Offline:      t.Offline().IsOffline(),
			Realtime:     "disabled",
			CacheEntries: t.Cache().Len(),
		}
		if rt := t.Realtime(); rt != nil {
			resp.Realtime = rt.State().String()
			resp.Reconnects = rt.Attempts()
			resp.QueuedOut = rt.QueueLen()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func retryHandler(t *tab.Tab) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := t.Retry(r.Context()); err != nil {
			writeFault(w, err)
			return
		}
		state := "disabled"
		if rt := t.Realtime(); rt != nil {
			state = rt.State().String()
		}
		writeJSON(w, http.StatusOK, map[string]string{"realtime": state})
	}
}

// apiHandler passes /api/ requests through the executor. GETs are served
// from the cache when possible.
func apiHandler(exec *client.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if r.URL.RawQuery != "" {
			endpoint += "?" + r.URL.RawQuery
		}

		req := client.Request{
			Endpoint:  endpoint,
			Method:    r.Method,
			Cacheable: r.Method == http.MethodGet,
		}
		if r.Method != http.MethodGet && r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
				return
			}
			if len(body) > 0 {
				req.Body = json.RawMessage(body)
			}
		}

		data, err := exec.Execute(r.Context(), req)
		if err != nil {
			writeFault(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

// writeFault maps an executor error onto an HTTP response.
func writeFault(w http.ResponseWriter, err error) {
	if errors.Is(err, client.ErrInvalidMethod) {
		http.Error(w, err.Error(), http.StatusMethodNotAllowed)
		return
	}

	var fe *fault.Error
	if !errors.As(err, &fe) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusBadGateway
	switch fe.Kind {
	case fault.KindHTTP:
		if fe.Status >= 400 && fe.Status < 500 {
			status = fe.Status
		}
	case fault.KindOffline, fault.KindConnection:
		status = http.StatusServiceUnavailable
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]string{
		"error":   fe.UserMessage(),
		"kind":    string(fe.Kind),
		"message": strings.TrimSpace(fe.Error()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
