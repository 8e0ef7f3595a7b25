package deepstack

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryPolicy is an explicit retry configuration. Registration is the only
// capability that uses one; it is a higher-value, harder-to-repeat write.
// The zero value means a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Backoff returns the exponential delay after the given 1-based attempt:
// BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Do runs op up to MaxAttempts times, sleeping the backoff delay between
// attempts. Only errors accepted by retryable are retried; the last error is
// returned when the budget is exhausted.
func (p RetryPolicy) Do(ctx context.Context, op func() error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == attempts || retryable == nil || !retryable(err) {
			return err
		}

		delay := p.Backoff(attempt)
		log.Warnf("Attempt %d/%d failed (%v), retrying in %s", attempt, attempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
