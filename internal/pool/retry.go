package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meridianlabs/gazetteer/internal/metrics"
)

const (
	defaultRetryMaxAttempts     = 3
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMultiplier      = 2.0
	defaultRetryMaxInterval     = 5 * time.Second
)

// RetryPolicy controls retries of transient store errors. The defaults give
// three retries after the first attempt, at 0.5s, 1s, and 2s.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func (p *RetryPolicy) applyDefaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultRetryMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultRetryInitialInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = defaultRetryMultiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultRetryMaxInterval
	}
}

// RetryTransient runs op, retrying per policy while IsTransient reports the
// error as retryable. Non-transient errors are returned immediately. Once
// attempts are exhausted the last transient error is returned wrapped.
func RetryTransient(ctx context.Context, log *slog.Logger, policy RetryPolicy, opName string, op func(context.Context) error) error {
	policy.applyDefaults()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(policy.InitialInterval),
		backoff.WithMultiplier(policy.Multiplier),
		backoff.WithMaxInterval(policy.MaxInterval),
		backoff.WithMaxElapsedTime(0),      // bounded by attempt count and ctx
		backoff.WithRandomizationFactor(0), // deterministic (no jitter)
	)
	bo := backoff.WithContext(backoff.WithMaxRetries(b, policy.MaxAttempts), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.Warn("Transient store error, retrying", "op", opName, "attempt", attempts, "error", err)
		return err
	}, bo)

	switch {
	case err == nil:
		if attempts > 1 {
			metrics.RetryAttemptsTotal.WithLabelValues("recovered").Inc()
			log.Info("Store operation recovered after retry", "op", opName, "attempts", attempts)
		}
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		metrics.RetryAttemptsTotal.WithLabelValues("canceled").Inc()
		return fmt.Errorf("%s: %w", opName, err)
	case IsTransient(err):
		metrics.RetryAttemptsTotal.WithLabelValues("exhausted").Inc()
		return fmt.Errorf("%s: retries exhausted after %d attempts: %w", opName, attempts, err)
	default:
		metrics.RetryAttemptsTotal.WithLabelValues("permanent").Inc()
		return fmt.Errorf("%s: %w", opName, err)
	}
}
