// Package retry supplies backoff strategies and a generic retry executor,
// grounded on resilience/backoff.py and resilience/retry_executor.py — the
// original defines three strategies and type-specific retryability rules
// for OpenAI and database errors; spec.md §7 only describes the executor
// loop, so the strategy family is a supplemented feature (SPEC_FULL.md §4).
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay each attempt with +/-25% jitter,
// matching ExponentialBackoff in backoff.py.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
	rand   *rand.Rand
}

func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Base: base, Max: max, Jitter: true, rand: rand.New(rand.NewSource(1))}
}

func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		jitter := (e.rand.Float64()*2 - 1) * 0.25 * d
		d += jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// FixedBackoff always waits the same delay.
type FixedBackoff struct {
	Delay_ time.Duration
}

func NewFixedBackoff(d time.Duration) *FixedBackoff { return &FixedBackoff{Delay_: d} }

func (f *FixedBackoff) Delay(attempt int) time.Duration { return f.Delay_ }

// FibonacciBackoff grows the delay along the Fibonacci sequence scaled by
// Base, a third strategy the original offers alongside exponential/fixed.
type FibonacciBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func NewFibonacciBackoff(base, max time.Duration) *FibonacciBackoff {
	return &FibonacciBackoff{Base: base, Max: max}
}

func (f *FibonacciBackoff) Delay(attempt int) time.Duration {
	a, b := 1, 1
	for i := 1; i < attempt; i++ {
		a, b = b, a+b
	}
	d := time.Duration(a) * f.Base
	if d > f.Max {
		d = f.Max
	}
	return d
}

// StrategyType selects a Strategy implementation by name, matching
// BackoffStrategyType.
type StrategyType string

const (
	StrategyExponential StrategyType = "exponential"
	StrategyFixed        StrategyType = "fixed"
	StrategyFibonacci    StrategyType = "fibonacci"
)

// NewStrategy is the factory matching create_backoff_strategy.
func NewStrategy(kind StrategyType, base, max time.Duration) Strategy {
	switch kind {
	case StrategyFixed:
		return NewFixedBackoff(base)
	case StrategyFibonacci:
		return NewFibonacciBackoff(base, max)
	default:
		return NewExponentialBackoff(base, max)
	}
}
