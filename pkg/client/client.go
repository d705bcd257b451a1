// Package client provides the request executor for the document-management
// REST API: per-attempt timeouts, retry with linear backoff, response
// caching, offline fallback and server rate limit gating.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/cache"
	"github.com/Sternrassler/docsync-client/pkg/events"
	"github.com/Sternrassler/docsync-client/pkg/fault"
	"github.com/Sternrassler/docsync-client/pkg/offline"
	"github.com/Sternrassler/docsync-client/pkg/storage"
	"github.com/Sternrassler/docsync-client/pkg/throttle"
)

// Prometheus metrics for executor operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_requests_total",
		Help: "Total requests by resource and outcome",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docsync_request_duration_seconds",
		Help:    "Request duration in seconds by resource, including retries",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"resource"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_request_errors_total",
		Help: "Total failed requests by error kind",
	}, []string{"kind"})
)

// Request describes one API call.
type Request struct {
	// Endpoint is the path plus optional query, relative to BaseURL
	// (e.g., "/api/documents?page=1").
	Endpoint string

	// Method is GET, POST, PUT or DELETE. Empty means GET.
	Method string

	// Body is JSON-encoded for writes. json.RawMessage and []byte are sent
	// as-is.
	Body any

	// Cacheable marks a GET whose response may be served from and stored in
	// the cache.
	Cacheable bool
}

// Mutation is the payload of events.Mutation, emitted after a successful
// write.
type Mutation struct {
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`

	// Resource is the cache key prefix the write invalidated.
	Resource string `json:"resource"`
}

// Config holds the executor configuration and its collaborators.
type Config struct {
	// BaseURL is the API origin (e.g., "https://docs.example.com").
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// AttemptTimeout bounds a single attempt. A timeout cancels only that
	// attempt.
	AttemptTimeout time.Duration

	// Retry
	Retry RetryConfig

	// HTTPClient performs requests (default: NewHTTPClient).
	HTTPClient *http.Client

	// Collaborators. Cache, Offline and Events are required.
	Cache       *cache.Store
	Mirror      *cache.Mirror
	Offline     *offline.Detector
	Events      *events.Registry
	Throttle    *throttle.Tracker
	Preferences *storage.Preferences

	// Clock drives retry delays (default: real clock).
	Clock clockwork.Clock

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration. Collaborators still
// have to be set.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		UserAgent:      "docsync-client/1.0",
		AttemptTimeout: 10 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// Executor performs API calls. It is the only writer of cached reads.
type Executor struct {
	httpClient *http.Client
	baseURL    string
	config     Config
	clock      clockwork.Clock
	logger     zerolog.Logger
}

// New creates a new executor.
func New(cfg Config) (*Executor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("attempt_timeout must be positive (got %v)", cfg.AttemptTimeout)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay < 0 {
		return nil, fmt.Errorf("retry_base_delay must not be negative (got %v)", cfg.Retry.BaseDelay)
	}

	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.Offline == nil {
		return nil, fmt.Errorf("offline detector is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient, err = NewHTTPClient(DefaultTransportConfig())
		if err != nil {
			return nil, err
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Executor{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		config:     cfg,
		clock:      clock,
		logger:     cfg.Logger.With().Str("component", "executor").Logger(),
	}, nil
}

// Execute performs req. Cacheable reads are served from the cache when
// possible; reads while offline never touch the network. Failures are
// *fault.Error values, except for invalid methods and cancelled contexts.
func (e *Executor) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	method, err := validMethod(req.Method)
	if err != nil {
		return nil, err
	}

	endpoint := req.Endpoint
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	resource := resourceLabel(endpoint)
	isRead := method == http.MethodGet
	key := cache.KeyFor(endpoint).String()

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(resource).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Cache
	if isRead && req.Cacheable {
		if value, ok := e.config.Cache.Get(key); ok {
			e.logger.Debug().Str("endpoint", endpoint).Msg("Serving cached response")
			requestsTotal.WithLabelValues(resource, "cache_hit").Inc()
			return value, nil
		}
	}

	// Step 2: Offline reads never reach the network
	if isRead && e.config.Offline.IsOffline() {
		return e.offlineRead(ctx, key, endpoint, resource)
	}

	// Step 3: Shared rate limit state
	if e.config.Throttle != nil {
		allowed, wait, err := e.config.Throttle.ShouldAllowRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			e.logger.Warn().Err(err).Msg("Throttle check failed, allowing request")
		} else if !allowed {
			e.logger.Warn().
				Str("endpoint", endpoint).
				Dur("wait", wait).
				Msg("Request blocked by server rate limit")
			requestsTotal.WithLabelValues(resource, "rate_limited").Inc()
			fe := fault.HTTP(http.StatusTooManyRequests, fmt.Sprintf("rate limited, retry in %s", wait.Round(time.Second)))
			errorsTotal.WithLabelValues(string(fe.Kind)).Inc()
			return nil, fe
		}
	}

	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	token := e.authToken(ctx)

	e.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", method).
		Msg("Executing request")

	// Step 4: Network with retries
	var result json.RawMessage
	retryErr := retryWithBackoff(ctx, e.clock, e.config.Retry, e.logger, func(attempt int) error {
		var attemptErr error
		result, attemptErr = e.attempt(ctx, method, endpoint, payload, token)

		var fe *fault.Error
		if errors.As(attemptErr, &fe) {
			requestsTotal.WithLabelValues(resource, statusLabel(fe)).Inc()
		}
		return attemptErr
	})

	if retryErr != nil {
		var fe *fault.Error
		if errors.As(retryErr, &fe) {
			errorsTotal.WithLabelValues(string(fe.Kind)).Inc()
			if errors.Is(retryErr, ErrRetryExhausted) && fe.NetworkRelated() {
				e.config.Offline.SetOffline(fe.Error())
			}
			e.logger.Warn().
				Err(retryErr).
				Str("endpoint", endpoint).
				Str("method", method).
				Msg("Request failed")
		}
		return nil, retryErr
	}

	requestsTotal.WithLabelValues(resource, "ok").Inc()

	// Step 5: Side effects of success
	if isRead {
		if req.Cacheable {
			e.store(ctx, key, endpoint, result)
		}
	} else {
		prefix := e.InvalidateResource(ctx, endpoint)
		e.config.Events.Emit(events.Mutation, Mutation{
			Method:   method,
			Endpoint: endpoint,
			Resource: prefix,
		})
	}

	e.config.Offline.SetOnline()

	return result, nil
}

// attempt performs one network call under the per-attempt timeout.
func (e *Executor) attempt(ctx context.Context, method, endpoint string, payload []byte, token string) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, e.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if e.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.config.UserAgent)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		return nil, classifyTransport(attemptCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		return nil, classifyTransport(attemptCtx, err)
	}

	if e.config.Throttle != nil {
		if err := e.config.Throttle.UpdateFromHeaders(ctx, resp.StatusCode, resp.Header); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to update throttle state from headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyResponse(resp.StatusCode, data)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, fault.New(fault.KindParse, "response is not valid JSON", nil)
	}
	return json.RawMessage(data), nil
}

// offlineRead serves a read from the memory cache, then the durable mirror.
func (e *Executor) offlineRead(ctx context.Context, key, endpoint, resource string) (json.RawMessage, error) {
	if value, ok := e.config.Cache.Get(key); ok {
		requestsTotal.WithLabelValues(resource, "offline_cache_hit").Inc()
		return value, nil
	}

	if e.config.Mirror != nil {
		value, err := e.config.Mirror.Load(ctx, key)
		if err == nil {
			e.logger.Debug().Str("endpoint", endpoint).Msg("Serving mirrored response while offline")
			requestsTotal.WithLabelValues(resource, "offline_cache_hit").Inc()
			return value, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Mirror lookup failed")
		}
	}

	requestsTotal.WithLabelValues(resource, "offline").Inc()
	errorsTotal.WithLabelValues(string(fault.KindOffline)).Inc()
	return nil, fault.New(fault.KindOffline, "no cached data for "+endpoint, nil)
}

// store caches a successful read in memory and in the mirror.
func (e *Executor) store(ctx context.Context, key, endpoint string, value json.RawMessage) {
	ttl := cache.TTLFor(endpoint)

	if err := e.config.Cache.Set(key, value, ttl); err != nil {
		e.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to cache response")
		return
	}

	if e.config.Mirror != nil {
		if err := e.config.Mirror.Save(ctx, key, value, ttl); err != nil {
			e.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to mirror response")
		}
	}
}

// InvalidateResource drops every cached read of the resource endpoint
// belongs to, in memory and in the mirror. It returns the key prefix used.
func (e *Executor) InvalidateResource(ctx context.Context, endpoint string) string {
	prefix := cache.ResourcePrefix(endpoint)

	removed := e.config.Cache.InvalidatePrefix(prefix)
	if e.config.Mirror != nil {
		n, err := e.config.Mirror.InvalidatePrefix(ctx, prefix)
		if err != nil {
			e.logger.Warn().Err(err).Str("prefix", prefix).Msg("Failed to invalidate mirrored responses")
		}
		removed += n
	}

	if removed > 0 {
		e.logger.Debug().
			Str("prefix", prefix).
			Int("removed", removed).
			Msg("Invalidated resource")
	}
	return prefix
}

// authToken returns the bearer token from preferences, or "".
func (e *Executor) authToken(ctx context.Context) string {
	if e.config.Preferences == nil {
		return ""
	}
	token, err := e.config.Preferences.GetString(ctx, storage.AuthTokenKey)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read auth token")
		return ""
	}
	return token
}

// Get performs a cacheable GET.
func (e *Executor) Get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	return e.Execute(ctx, Request{Endpoint: endpoint, Method: http.MethodGet, Cacheable: true})
}

// Post performs a POST with a JSON body.
func (e *Executor) Post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	return e.Execute(ctx, Request{Endpoint: endpoint, Method: http.MethodPost, Body: body})
}

// Put performs a PUT with a JSON body.
func (e *Executor) Put(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	return e.Execute(ctx, Request{Endpoint: endpoint, Method: http.MethodPut, Body: body})
}

// Delete performs a DELETE.
func (e *Executor) Delete(ctx context.Context, endpoint string) (json.RawMessage, error) {
	return e.Execute(ctx, Request{Endpoint: endpoint, Method: http.MethodDelete})
}

// pageEnvelope is the paging metadata of list responses.
type pageEnvelope struct {
	TotalPages int `json:"total_pages"`
}

// FetchPage fetches one page of a paginated list through the cache and
// returns it with the total page count the server reported (1 when
// absent).
func (e *Executor) FetchPage(ctx context.Context, endpoint string, page int) (json.RawMessage, int, error) {
	pageEndpoint, err := withPage(endpoint, page)
	if err != nil {
		return nil, 0, err
	}

	data, err := e.Get(ctx, pageEndpoint)
	if err != nil {
		return nil, 0, err
	}

	var env pageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fault.New(fault.KindParse, "page is not a JSON object", err)
	}
	if env.TotalPages < 1 {
		env.TotalPages = 1
	}
	return data, env.TotalPages, nil
}

// withPage sets the page query parameter on endpoint.
func withPage(endpoint string, page int) (string, error) {
	path, rawQuery, _ := strings.Cut(endpoint, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("parse query of %s: %w", endpoint, err)
	}
	q.Set("page", strconv.Itoa(page))
	return path + "?" + q.Encode(), nil
}

// encodeBody JSON-encodes a request body. nil stays nil.
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}

// resourceLabel bounds metric cardinality to the resource level.
func resourceLabel(endpoint string) string {
	return strings.TrimPrefix(cache.ResourcePrefix(endpoint), "docsync:")
}
