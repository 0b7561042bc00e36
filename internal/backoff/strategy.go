// Package backoff implements retry delay calculation strategies.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy maps a 1-indexed attempt number to a non-negative delay.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Config holds exponential backoff parameters.
type Config struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      bool
	JitterRatio float64
}

// Exponential computes min(initial * multiplier^(attempt-1), max), optionally
// spread uniformly over [base*(1-ratio), base*(1+ratio)] and clamped to
// [0, max]. The randomness source is injected so tests can seed it; it is
// never a hidden global.
type Exponential struct {
	config Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExponential builds an Exponential strategy. A nil source is seeded from
// the current time.
func NewExponential(config Config, source rand.Source) *Exponential {
	if source == nil {
		source = rand.NewSource(time.Now().UnixNano())
	}
	return &Exponential{
		config: config,
		rng:    rand.New(source),
	}
}

// Delay implements Strategy.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the exponent so the float math cannot overflow into negatives.
	exp := attempt - 1
	if exp > 30 {
		exp = 30
	}

	base := time.Duration(float64(e.config.Initial) * pow(e.config.Multiplier, exp))
	if base < 0 || base > e.config.Max {
		base = e.config.Max
	}

	if !e.config.Jitter || e.config.JitterRatio <= 0 {
		return base
	}

	ratio := e.config.JitterRatio
	if ratio > 1 {
		ratio = 1
	}

	e.mu.Lock()
	f := e.rng.Float64()
	e.mu.Unlock()

	// Uniform over [base*(1-ratio), base*(1+ratio)].
	delay := time.Duration(float64(base) * (1 - ratio + 2*ratio*f))
	if delay < 0 {
		delay = 0
	}
	if delay > e.config.Max {
		delay = e.config.Max
	}
	return delay
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
