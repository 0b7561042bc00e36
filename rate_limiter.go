package ratewise

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket consulted before each logical call. A denied
// request fails with ErrThrottled without consuming a transport attempt.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a bucket holding maxTokens, refilled one token per
// refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked(time.Now())

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens reports the currently available tokens.
func (rl *RateLimiter) Tokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked(time.Now())
	return rl.tokens
}

func (rl *RateLimiter) refillLocked(now time.Time) {
	if rl.refillRate <= 0 {
		return
	}
	elapsed := now.Sub(rl.lastRefill)
	refill := int(elapsed / rl.refillRate)
	if refill <= 0 {
		return
	}

	rl.tokens += refill
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = rl.lastRefill.Add(time.Duration(refill) * rl.refillRate)
}
