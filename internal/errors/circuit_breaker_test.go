package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"
)

func testBreaker(timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          timeout,
	})
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := testBreaker(time.Hour)
	boom := stderrors.New("boom")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("request must be blocked while open")
		return nil
	})
	if !IsDegraded(err) {
		t.Fatalf("expected degraded error while open, got %v", err)
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	cb := testBreaker(time.Millisecond)
	boom := stderrors.New("boom")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}
	time.Sleep(5 * time.Millisecond)

	// First call after the timeout runs in half-open and closes on success.
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after recovery, got %v", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := testBreaker(time.Hour)
	boom := stderrors.New("boom")
	for i := 0; i < 2; i++ {
		cb.Mark(boom)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", cb.State())
	}
}

func TestCircuitBreakerAllowMark(t *testing.T) {
	cb := testBreaker(time.Hour)
	if err := cb.Allow(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb.Mark(nil)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}
}
