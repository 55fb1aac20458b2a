package backoff_test

import (
	"testing"
	"time"

	"github.com/uengine-oss/process-gpt-execution/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},  // 1 * 2^1
		{2, 4 * time.Second},  // 1 * 2^2
		{3, 8 * time.Second},  // 1 * 2^3
		{4, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtCap(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(6); got != 10*time.Second {
		t.Errorf("Delay(6) = %v, want %v (capped)", got, 10*time.Second)
	}
	// Large attempt counts must not overflow past the cap.
	if got := e.Delay(80); got != 10*time.Second {
		t.Errorf("Delay(80) = %v, want %v (capped)", got, 10*time.Second)
	}
}

func TestConstructorsSatisfyStrategy(t *testing.T) {
	// Delay uses pointer receivers, so only the pointer form the
	// constructors return satisfies the interface.
	strategies := []backoff.Strategy{
		backoff.NewConstant(time.Second),
		backoff.NewExponential(time.Second, time.Minute),
		backoff.NewExponentialWithJitter(time.Second, time.Minute),
	}
	for _, s := range strategies {
		if d := s.Delay(1); d < 0 {
			t.Errorf("%T.Delay(1) = %v, negative", s, d)
		}
	}
}

func TestExponentialWithJitter_StaysWithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 30*time.Second)

	for attempt := 1; attempt <= 10; attempt++ {
		for range 50 {
			d := e.Delay(attempt)
			if d < 0 {
				t.Fatalf("Delay(%d) = %v, negative", attempt, d)
			}
			if d > 30*time.Second {
				t.Fatalf("Delay(%d) = %v, above cap", attempt, d)
			}
		}
	}
}
