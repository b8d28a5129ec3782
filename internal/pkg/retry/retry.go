package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tgforward/internal/domain"
)

// Operation represents a function that can be retried.
type Operation func() error

// Transient executes op, retrying only transient I/O failures with
// exponential backoff. Rate-limit, rejection, and configuration errors
// propagate immediately; retrying those would either fight the platform's
// flood control or loop on a terminal condition.
func Transient(ctx context.Context, name string, op Operation, maxRetries int, baseDelay time.Duration, clock domain.Clock, log *zap.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.MaxInterval = 30 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			delay := bo.NextBackOff()
			log.Warn("retrying after transient failure",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.Int("max", maxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !domain.IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries, lastErr)
}
