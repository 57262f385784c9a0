package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond})

	failing := func() (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(failing)
	}
	if b.State() != "open" {
		t.Fatalf("expected open after 3 consecutive failures, got %s", b.State())
	}

	_, err := b.Execute(func() (any, error) { return "ok", nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState while open, got %v", err)
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test2", FailureThreshold: 2, OpenTimeout: 20 * time.Millisecond, SuccessThresholdHalfOpen: 1})

	failing := func() (any, error) { return nil, errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, _ = b.Execute(failing)
	}
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	_, err := b.Execute(func() (any, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed after successful half-open probe, got %s", b.State())
	}
}

func TestRetryExponentialEventuallySucceeds(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), RetryConfig{Strategy: StrategyExponential, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryRespectsMaxRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), RetryConfig{Strategy: StrategyLinear, BaseDelay: time.Millisecond, MaxRetries: 3}, func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestLinearBackOffIncreasesLinearly(t *testing.T) {
	b := &linearBackOff{base: 10 * time.Millisecond, max: time.Second}
	d1 := b.NextBackOff()
	d2 := b.NextBackOff()
	d3 := b.NextBackOff()
	if d1 != 10*time.Millisecond || d2 != 20*time.Millisecond || d3 != 30*time.Millisecond {
		t.Fatalf("got %v, %v, %v", d1, d2, d3)
	}
}

func TestLinearBackOffCapsAtMax(t *testing.T) {
	b := &linearBackOff{base: time.Second, max: 2 * time.Second}
	for i := 0; i < 10; i++ {
		b.NextBackOff()
	}
	if d := b.NextBackOff(); d != 2*time.Second {
		t.Fatalf("expected capped at 2s, got %v", d)
	}
}

func TestFibonacciBackOffSequence(t *testing.T) {
	b := &fibonacciBackOff{base: time.Millisecond, max: time.Second}
	want := []time.Duration{time.Millisecond, time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 5 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("step %d: got %v, want %v", i, got, w)
		}
	}
}

func TestDecorrelatedJitterStaysWithinBounds(t *testing.T) {
	b := &decorrelatedJitterBackOff{base: 10 * time.Millisecond, max: 100 * time.Millisecond, prev: 10 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		if d < 10*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("jitter out of bounds: %v", d)
		}
	}
}
