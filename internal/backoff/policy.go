// Package backoff provides retry delay policies and a per-operation retry
// handler for requests issued to the job backend.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the raw delay grows with the attempt number.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyConstant    Strategy = "constant"
)

// Policy computes the delay before a retry attempt. The zero attempt is the
// first retry. Policy carries no mutable state; with a non-nil Rand it is
// deterministic, which is what the seeded tests rely on.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64  // fraction in [0,1]; 0 disables jitter
	Strategy  Strategy // defaults to exponential
	Rand      *rand.Rand
}

// DefaultPolicy returns the policy used when no backoff section is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Jitter:    0.1,
		Strategy:  StrategyExponential,
	}
}

// Validate checks policy parameters.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay must be >= base delay")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be in [0,1]")
	}
	switch p.Strategy {
	case "", StrategyExponential, StrategyLinear, StrategyConstant:
	default:
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	return nil
}

// Delay returns the backoff delay for the given attempt number (0-indexed).
// The raw delay grows per the strategy, is capped at MaxDelay, and is then
// scaled by a random factor in [1-Jitter, 1+Jitter] and re-clamped.
func (p Policy) Delay(attempt uint) time.Duration {
	var raw time.Duration
	switch p.Strategy {
	case StrategyLinear:
		raw = time.Duration(float64(p.BaseDelay) * float64(attempt+1))
	case StrategyConstant:
		raw = p.BaseDelay
	default:
		raw = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	}
	// Overflow or cap.
	if raw <= 0 || raw > p.MaxDelay {
		raw = p.MaxDelay
	}

	if p.Jitter > 0 {
		factor := 1 - p.Jitter + 2*p.Jitter*p.random()
		raw = time.Duration(float64(raw) * factor)
		if raw < 0 {
			raw = 0
		}
		if raw > p.MaxDelay {
			raw = p.MaxDelay
		}
	}
	return raw
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}
	return rand.Float64()
}
