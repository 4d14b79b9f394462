package backoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary error")

func TestPolicy_DelayWithRand(t *testing.T) {
	policy := Policy{
		Initial:     100 * time.Millisecond,
		Max:         10 * time.Second,
		Factor:      2,
		MaxAttempts: 5,
	}

	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{"first attempt", policy, 1, 0.5, 100 * time.Millisecond},
		{"second attempt doubles", policy, 2, 0.5, 200 * time.Millisecond},
		{"fifth attempt", policy, 5, 0.5, 1600 * time.Millisecond},
		{"zero attempt treated as first", policy, 0, 0.5, 100 * time.Millisecond},
		{
			name:        "clamped to max",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "jitter at max random",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1},
			attempt:     1,
			randomValue: 1.0,
			expected:    110 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.DelayWithRand(tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestPolicy_Normalize(t *testing.T) {
	got := Policy{Initial: time.Second, Max: time.Millisecond, Factor: 0.5, Jitter: 3}.Normalize()
	def := DefaultPolicy()

	if got.Max != time.Second {
		t.Errorf("expected max raised to initial, got %v", got.Max)
	}
	if got.Factor != def.Factor {
		t.Errorf("expected default factor %v, got %v", def.Factor, got.Factor)
	}
	if got.Jitter != def.Jitter {
		t.Errorf("expected default jitter %v, got %v", def.Jitter, got.Jitter)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", got.MaxAttempts)
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Sleep() returned too early: %v", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled for zero duration on a done context, got %v", err)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxAttempts: attempts}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	var retries []int

	value, attempts, err := Retry(context.Background(), fastPolicy(5), Options{
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retries = append(retries, attempt)
		},
	}, func(ctx context.Context, attempt int) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errTemporary
		}
		return attempt, nil
	})

	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if value != 3 || attempts != 3 {
		t.Errorf("expected value 3 after 3 attempts, got value %d attempts %d", value, attempts)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("expected OnRetry for attempts [1 2], got %v", retries)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	_, attempts, err := Retry(context.Background(), fastPolicy(3), Options{}, func(ctx context.Context, attempt int) (string, error) {
		return "", errTemporary
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Errorf("expected ErrMaxAttemptsExhausted, got %v", err)
	}
	if !errors.Is(err, errTemporary) {
		t.Errorf("expected last error to be wrapped, got %v", err)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("auth failed")
	var calls atomic.Int32

	_, attempts, err := Retry(context.Background(), fastPolicy(5), Options{
		Retryable: func(err error) bool { return !errors.Is(err, fatal) },
	}, func(ctx context.Context, attempt int) (struct{}, error) {
		calls.Add(1)
		return struct{}{}, fatal
	})

	if !errors.Is(err, fatal) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Error("non-retryable error should not be reported as exhaustion")
	}
	if attempts != 1 || calls.Load() != 1 {
		t.Errorf("expected exactly 1 attempt, got %d (calls %d)", attempts, calls.Load())
	}
}

func TestRetry_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1, MaxAttempts: 3}

	_, attempts, err := Retry(ctx, policy, Options{
		OnRetry: func(int, error, time.Duration) { cancel() },
	}, func(ctx context.Context, attempt int) (int, error) {
		return 0, errTemporary
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, attempts, err := Retry(ctx, fastPolicy(3), Options{}, func(ctx context.Context, attempt int) (int, error) {
		called = true
		return 1, nil
	})

	if called {
		t.Error("fn should not run on a cancelled context")
	}
	if attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", attempts)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
