package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewTransientError(stderrors.New("flaky"), "")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return NewPermanentError(stderrors.New("bad input"), "")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("permanent errors must not be retried, got %d attempts", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return NewTransientError(stderrors.New("still flaky"), "")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 { // initial try + 2 retries
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetryConfig(), func(ctx context.Context) error {
		t.Fatal("function must not run after cancellation")
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestRetryWithResult(t *testing.T) {
	value, err := RetryWithResult(context.Background(), fastRetryConfig(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 42 {
		t.Fatalf("expected 42, got %d", value)
	}
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second, JitterFactor: 0}
	if got := calculateBackoff(10, config); got != 2*time.Second {
		t.Fatalf("expected cap at 2s, got %v", got)
	}
}
