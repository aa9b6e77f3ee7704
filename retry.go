package cifs

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for operations.
type RetryPolicy struct {
	MaxAttempts  int           // Maximum number of attempts (default: 3)
	InitialDelay time.Duration // Initial delay between retries (default: 100ms)
	MaxDelay     time.Duration // Maximum delay between retries (default: 5s)
	Multiplier   float64       // Backoff multiplier (default: 2.0)
}

var defaultRetryPolicy = &RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// next returns the delay that follows d.
func (p *RetryPolicy) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * p.Multiplier)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// withRetry calls op up to MaxAttempts times while it fails with a
// retryable error, sleeping with exponential backoff in between.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := c.config.RetryPolicy
	if policy == nil {
		policy = defaultRetryPolicy
	}

	delay := policy.InitialDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil || attempt >= policy.MaxAttempts || !isRetryable(err) {
			return err
		}

		c.logf("cifs: %s/%s attempt %d of %d failed, next in %v: %v",
			c.config.Server, c.config.Share, attempt, policy.MaxAttempts, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = policy.next(delay)
	}
}
