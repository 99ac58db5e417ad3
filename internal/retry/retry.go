package retry

import (
	"context"
	"fmt"
	"time"

	"event_spider/internal/models"
)

// Policy bounds how often and how patiently a call is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to models.IsTransient.
	Retryable func(error) bool
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = models.IsTransient
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return err
}
