package fieldsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryerDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, Jitter: 0})
		attempts := 0
		result := r.Do(ctx, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("flaky")
			}
			return nil
		})
		if result.LastErr != nil || result.Attempts != 3 {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, Jitter: 0})
		result := r.Do(ctx, func() error { return errors.New("always") })
		if result.LastErr == nil || result.Attempts != 2 {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		permanent := errors.New("permanent")
		r := NewRetryer(RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Millisecond,
			RetryIf:        func(err error) bool { return !errors.Is(err, permanent) },
		})
		result := r.Do(ctx, func() error { return permanent })
		if result.Attempts != 1 {
			t.Fatalf("expected 1 attempt, got %d", result.Attempts)
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour})
		result := r.Do(cctx, func() error { return errors.New("flaky") })
		if !errors.Is(result.LastErr, context.Canceled) {
			t.Fatalf("expected context error, got %v", result.LastErr)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	failure := errors.New("handoff failed")

	t.Run("opens after max failures", func(t *testing.T) {
		cb := NewCircuitBreaker(2, time.Minute)
		for i := 0; i < 2; i++ {
			if err := cb.Execute(func() error { return failure }); !errors.Is(err, failure) {
				t.Fatalf("attempt %d: %v", i, err)
			}
		}
		if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
		if cb.State() != "open" {
			t.Fatalf("expected open, got %s", cb.State())
		}
	})

	t.Run("half-open probe closes on success", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 10*time.Millisecond)
		_ = cb.Execute(func() error { return failure })
		time.Sleep(20 * time.Millisecond)
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe: %v", err)
		}
		if cb.State() != "closed" {
			t.Fatalf("expected closed, got %s", cb.State())
		}
	})

	t.Run("success resets failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(2, time.Minute)
		_ = cb.Execute(func() error { return failure })
		_ = cb.Execute(func() error { return nil })
		if cb.Failures() != 0 {
			t.Fatalf("expected reset, got %d failures", cb.Failures())
		}
	})
}
