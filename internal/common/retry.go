package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/recon-flow/internal/service"
)

// WithRetry runs operation until it succeeds, fails permanently, or spends
// opts.MaxAttempts. Unset fields of opts come from service.DefaultRetryOptions.
// Errors are retried unless marked with a non-retryable RetryableError; a
// rate limit waits the full MaxDelay before the next attempt.
func WithRetry(ctx context.Context, operation func() error, opts service.RetryOptions) error {
	opts = opts.WithDefaults()
	wait := backoff{opts: opts, next: opts.InitialDelay}
	logger := Component("retry")

	for attempt := 1; ; attempt++ {
		err := operation()
		switch {
		case err == nil:
			return nil
		case permanent(err):
			return err
		case attempt >= opts.MaxAttempts:
			return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, attempt, err)
		}

		delay := wait.after(err)
		logger.Warn("operation failed, retrying", "attempt", attempt, "max_attempts", opts.MaxAttempts, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func permanent(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) && !re.Retryable
}

// backoff grows the delay geometrically up to MaxDelay.
type backoff struct {
	opts service.RetryOptions
	next time.Duration
}

func (b *backoff) after(err error) time.Duration {
	if errors.Is(err, ErrRateLimit) || errors.Is(err, ErrPlaidRateLimit) {
		b.next = b.opts.MaxDelay
	}
	d := b.next
	b.next = min(time.Duration(float64(b.next)*b.opts.Multiplier), b.opts.MaxDelay)
	return d
}
