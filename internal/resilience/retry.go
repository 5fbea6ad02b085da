// Package resilience provides the failure-handling policies composed around
// engine calls: bounded retry, a per-engine circuit breaker and an ordered
// fallback sequencer. All three are advisory building blocks; none invokes
// engines itself.
package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy wraps a fallible operation with bounded retries and a fixed
// inter-attempt delay.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	Delay      time.Duration
	log        *slog.Logger
}

func NewRetryPolicy(enabled bool, maxRetries int, delay time.Duration, log *slog.Logger) *RetryPolicy {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryPolicy{
		Enabled:    enabled,
		MaxRetries: maxRetries,
		Delay:      delay,
		log:        log.With(slog.String("component", "retry")),
	}
}

// Execute runs fn up to MaxRetries times. When the policy is disabled the
// first failure propagates immediately. Otherwise each failure is logged
// and, unless it was the last allowed attempt, the call sleeps Delay before
// retrying. The last failure propagates unchanged so callers can branch on
// its kind. There is no overall deadline beyond ctx; callers wanting one
// wrap Execute externally.
func Execute[T any](ctx context.Context, p *RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.Enabled {
			return zero, err
		}

		p.log.Warn("attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", p.MaxRetries),
			slog.String("error", err.Error()))

		if attempt == p.MaxRetries {
			break
		}
		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, lastErr
}

// Do is Execute for operations without a result value.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
