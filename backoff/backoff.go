// Package backoff provides retry delay strategies for failed work items.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a work item becomes claimable again.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed:
	// attempt 1 is the first failure).
	Delay(attempt int) time.Duration
}

// Strategies carry pointer receivers; the constructors return the
// pointer form the Strategy interface expects.
var (
	_ Strategy = (*Constant)(nil)
	_ Strategy = (*Exponential)(nil)
	_ Strategy = (*ExponentialWithJitter)(nil)
)

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay with each failed attempt.
// Delay = min(Base * 2^attempt, Cap).
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, capDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Cap: capDelay}
}

// Delay returns Base * 2^attempt, capped at Cap.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt)))
	if e.Cap > 0 && (d > e.Cap || d < 0) {
		return e.Cap
	}
	return d
}

// ExponentialWithJitter applies full jitter to an exponential base:
// a random delay in [0, min(Base * 2^attempt, Cap)]. Jitter prevents a
// thundering herd when many retries become eligible simultaneously.
type ExponentialWithJitter struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, capDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Cap: capDelay}
}

// Delay returns a random duration in [0, min(Base * 2^attempt, Cap)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	upper := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Cap > 0 && upper > float64(e.Cap) {
		upper = float64(e.Cap)
	}
	return time.Duration(rand.Float64() * upper) //nolint:gosec // jitter intentionally uses non-crypto rand
}
