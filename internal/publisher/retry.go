package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultMaxAttempts    = 5
	DefaultAttemptTimeout = 1000 * time.Millisecond
	DefaultBackoff        = 200 * time.Millisecond
)

// RetryPolicy bounds delivery of one message: at most MaxAttempts tries,
// each limited to AttemptTimeout, with a fixed Backoff between tries.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Backoff        time.Duration `yaml:"backoff"`
}

// DefaultRetryPolicy is the policy used for every destination.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		Backoff:        DefaultBackoff,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// attemptFunc is one delivery attempt bounded by ctx.
type attemptFunc func(ctx context.Context, attempt int) error

// run executes fn until it succeeds, attempts run out, or ctx ends. It
// returns the number of attempts made and the last error.
func (p RetryPolicy) run(ctx context.Context, clk clock.Clock, fn attemptFunc) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err := fn(attemptCtx, attempt)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt == p.MaxAttempts || p.Backoff == 0 {
			continue
		}

		timer := clk.Timer(p.Backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
	return p.MaxAttempts, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, p.MaxAttempts, lastErr)
}
