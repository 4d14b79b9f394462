// Package backoff computes exponential retry delays with jitter and runs
// bounded, context-aware retries.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when every attempt failed with a retryable error.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines exponential backoff parameters and the attempt cap.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial" json:"initial"`

	// Max caps any single delay.
	Max time.Duration `yaml:"max" json:"max"`

	// Factor is the exponential growth applied per attempt.
	Factor float64 `yaml:"factor" json:"factor"`

	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter" json:"jitter"`

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultPolicy returns the policy used for model calls.
// Initial: 250ms, Max: 8s, Factor: 2, Jitter: 10%, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     250 * time.Millisecond,
		Max:         8 * time.Second,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 3,
	}
}

// Normalize fills zero or out-of-range fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Delay returns the wait before attempt+1, given that attempt (1-based) just failed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0.0, 1.0).
// The formula is min(max, initial*factor^(attempt-1) * (1 + jitter*random)).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options customizes Retry.
type Options struct {
	// Retryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempt cap is reached, or ctx is done. It returns the number of attempts
// made. When the cap is reached the last error is wrapped with
// ErrMaxAttemptsExhausted.
func Retry[T any](ctx context.Context, policy Policy, opts Options, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	policy = policy.Normalize()
	var zero T

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, attempt, nil
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, attempt, err
		}
		if attempt >= policy.MaxAttempts {
			return zero, attempt, fmt.Errorf("%w (%d attempts): %w", ErrMaxAttemptsExhausted, attempt, err)
		}

		delay := policy.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return zero, attempt, err
		}
	}
}
