package eventsourcing

import (
	"context"
	"time"

	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
)

// Retrier re-drives a whole read-mutate-write command when it failed with a
// version conflict or a transient store error. Other failures return at once.
type Retrier struct {
	maxAttempts int
	delay       time.Duration
	logger      logger.Logger
}

func NewRetrier(cfg config.RetryConfig, log logger.Logger) *Retrier {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{maxAttempts: attempts, delay: cfg.Delay, logger: log}
}

// Do runs fn until it succeeds, fails with a non-retryable error or the attempt
// budget is spent. fn must reload state on every call.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !pkgerrors.IsRetryable(err) {
			return err
		}
		if attempt >= r.maxAttempts {
			r.logger.Error("Retries exhausted", map[string]interface{}{
				"operation": operation,
				"attempts":  attempt,
				"error":     err.Error(),
			})
			return err
		}

		r.logger.Warn("Retrying command", map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
			"error":     err.Error(),
		})

		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
