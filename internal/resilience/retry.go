// Package resilience wraps cenkalti/backoff/v4 behind a generic,
// metrics-instrumented Retry helper for callers that want a bounded
// attempt count rather than backoff's elapsed-time budget.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// Retry executes fn up to attempts times with exponential backoff
// starting at delay, stopping early on success or context
// cancellation.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("celestialflow")
	attemptCounter, _ := meter.Int64Counter("celestialflow_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("celestialflow_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("celestialflow_resilience_retry_fail_total")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(bo, uint64(attempts-1))
	withCtx := backoff.WithContext(policy, ctx)

	var result T
	var lastErr error
	op := func() error {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err != nil {
			lastErr = err
			return err
		}
		result = v
		return nil
	}

	if err := backoff.Retry(op, withCtx); err != nil {
		failCounter.Add(ctx, 1)
		if lastErr != nil {
			return zero, lastErr
		}
		return zero, err
	}
	successCounter.Add(ctx, 1)
	return result, nil
}
