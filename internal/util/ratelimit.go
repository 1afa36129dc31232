package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter used to pace brokerage calls. The
// bucket holds at most one token, so calls are spread evenly across the
// minute rather than bursting.
type RateLimiter struct {
	mu       sync.Mutex
	perSec   float64
	tokens   float64
	lastFill time.Time
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. A non-positive perMinute disables pacing entirely.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perSec:   float64(perMinute) / 60.0,
		tokens:   1,
		lastFill: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.perSec <= 0 {
		return nil
	}
	for {
		if rl.take() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// take refills the bucket from elapsed time and consumes a token if one is
// available.
func (rl *RateLimiter) take() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.lastFill).Seconds() * rl.perSec
	if rl.tokens > 1 {
		rl.tokens = 1
	}
	rl.lastFill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}
