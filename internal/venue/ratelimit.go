// ratelimit.go implements token-bucket rate limiting for venue REST calls.
//
// Venues enforce per-category request limits measured over short windows.
// This file provides a smooth token-bucket implementation that refills
// continuously (rather than in window-sized bursts) to avoid hitting hard
// limits.
//
// Three buckets are maintained:
//   - Account: 120 burst / 20 per sec — balance and position reads
//   - Order:   60 burst / 10 per sec  — order placement
//   - Cancel:  60 burst / 10 per sec  — cancellations and liquidation
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by venue endpoint category. Each operation
// must call the appropriate bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Account *TokenBucket // GET balance / positions
	Order   *TokenBucket // POST order
	Cancel  *TokenBucket // DELETE orders, close-positions flows
}

// NewRateLimiter creates rate limiters tuned to typical venue limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Account: NewTokenBucket(120, 20),
		Order:   NewTokenBucket(60, 10),
		Cancel:  NewTokenBucket(60, 10),
	}
}
