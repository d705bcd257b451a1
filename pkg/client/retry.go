package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/docsync-client/pkg/fault"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_request_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docsync_request_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_request_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// BaseDelay is multiplied by the attempt number to get the wait after
	// that attempt.
	BaseDelay time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based): the
// delay grows linearly, base × attempt.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.BaseDelay * time.Duration(attempt)
}

// retryWithBackoff runs fn until it succeeds, returns a permanent failure,
// or MaxAttempts is reached. fn returns nil, a *fault.Error, or another
// error that aborts the loop unchanged. Exhaustion returns a *fault.Error
// of the last failure's kind wrapping ErrRetryExhausted.
func retryWithBackoff(ctx context.Context, clock clockwork.Clock, config RetryConfig, logger zerolog.Logger, fn func(attempt int) error) error {
	var last *fault.Error
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if !errors.As(err, &last) {
			return err
		}
		last.Attempts = attempt

		// Client errors and parse failures are permanent.
		if !last.Retryable() {
			return last
		}

		if attempt >= config.MaxAttempts {
			break
		}

		delay := config.Delay(attempt)
		retriesTotal.WithLabelValues(string(last.Kind)).Inc()
		retryBackoffSeconds.WithLabelValues(string(last.Kind)).Observe(delay.Seconds())

		logger.Warn().
			Err(last).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			logger.Warn().
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-clock.After(delay):
		}
	}

	retryExhaustedTotal.WithLabelValues(string(last.Kind)).Inc()
	logger.Warn().
		Str("kind", string(last.Kind)).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	cause := ErrRetryExhausted
	if last.Err != nil {
		cause = errors.Join(ErrRetryExhausted, last.Err)
	}
	return &fault.Error{
		Kind:     last.Kind,
		Status:   last.Status,
		Message:  last.Message,
		Attempts: config.MaxAttempts,
		Err:      cause,
	}
}
