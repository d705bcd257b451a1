package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_prefetch_pages_total",
		Help: "Total pages fetched by the prefetcher",
	}, []string{"status"}) // "success", "error"

	prefetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsync_prefetch_duration_seconds",
		Help:    "Duration of a full prefetch run",
		Buckets: prometheus.DefBuckets,
	})
)

// Config holds prefetcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	MaxConcurrency int

	// Timeout bounds one page fetch, retries included.
	Timeout time.Duration

	// MaxPages stops a run from following an absurd total_pages.
	MaxPages int
}

// DefaultConfig returns the default prefetch configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
		MaxPages:       200,
	}
}

// PageFetcher fetches one page and reports the total page count.
type PageFetcher interface {
	FetchPage(ctx context.Context, endpoint string, page int) (json.RawMessage, int, error)
}

// Prefetcher fetches every page of a list.
type Prefetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewPrefetcher creates a prefetcher. Non-positive config values fall back
// to the defaults.
func NewPrefetcher(fetcher PageFetcher, config Config, logger zerolog.Logger) *Prefetcher {
	if fetcher == nil {
		panic("page fetcher cannot be nil")
	}
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxPages <= 0 {
		config.MaxPages = defaults.MaxPages
	}

	return &Prefetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logger.With().Str("component", "prefetch").Logger(),
	}
}

// FetchAllPages returns page number -> body for every page of endpoint.
// The first failure cancels the remaining fetches; the pages fetched so far
// are returned with the error.
func (p *Prefetcher) FetchAllPages(ctx context.Context, endpoint string) (map[int]json.RawMessage, error) {
	start := time.Now()
	defer func() { prefetchDuration.Observe(time.Since(start).Seconds()) }()

	first, totalPages, err := p.fetch(ctx, endpoint, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	results := map[int]json.RawMessage{1: first}
	if totalPages > p.config.MaxPages {
		p.logger.Warn().
			Str("endpoint", endpoint).
			Int("total_pages", totalPages).
			Int("max_pages", p.config.MaxPages).
			Msg("Truncating prefetch")
		totalPages = p.config.MaxPages
	}
	if totalPages == 1 {
		p.logger.Debug().Str("endpoint", endpoint).Msg("Prefetch complete (single page)")
		return results, nil
	}

	p.logger.Info().
		Str("endpoint", endpoint).
		Int("total_pages", totalPages).
		Msg("Starting parallel prefetch")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxConcurrency)

	for page := 2; page <= totalPages; page++ {
		page := page
		g.Go(func() error {
			data, _, err := p.fetch(gctx, endpoint, page)
			if err != nil {
				return fmt.Errorf("fetch page %d: %w", page, err)
			}
			mu.Lock()
			results[page] = data
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Warn().
			Err(err).
			Int("fetched", len(results)).
			Int("total", totalPages).
			Msg("Prefetch incomplete, returning partial results")
		return results, fmt.Errorf("partial prefetch (%d/%d pages): %w", len(results), totalPages, err)
	}

	p.logger.Info().
		Str("endpoint", endpoint).
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Prefetch complete")
	return results, nil
}

func (p *Prefetcher) fetch(ctx context.Context, endpoint string, page int) (json.RawMessage, int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	data, total, err := p.fetcher.FetchPage(pageCtx, endpoint, page)
	if err != nil {
		pagesFetched.WithLabelValues("error").Inc()
		return nil, 0, err
	}
	pagesFetched.WithLabelValues("success").Inc()
	return data, total, nil
}
