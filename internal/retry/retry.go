// Package retry provides a bounded retry policy with exponential backoff.
// It is shared by the delivery tracker (resend after a failed ack) and the
// session manager (transport re-establish after disconnect).
package retry

import (
	"context"
	"time"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	Delay       time.Duration // delay before the first retry
	MaxDelay    time.Duration // backoff ceiling
	Multiplier  float64       // backoff growth factor
}

// DefaultPolicy returns a conservative retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Do runs op until it succeeds, the attempts run out, or ctx is
// done. The last error is returned; ctx errors win over op errors.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := p.Delay
	var lastErr error

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = op(); lastErr == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}
