// ratelimit.go implements token-bucket rate limiting for exchange REST APIs.
//
// Both supported exchanges publish per-category request budgets; public
// market data endpoints are considerably more generous than private trading
// endpoints. The buckets refill continuously rather than in window-sized
// bursts so sustained callers never hit the hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
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

// RateLimiter groups token buckets by endpoint category. Trading operations
// call the appropriate bucket's Wait() before issuing the HTTP request.
type RateLimiter struct {
	Public  *TokenBucket // snapshots, depth, pair metadata
	Private *TokenBucket // orders, cancels, balances, fees
}

// NewRateLimiter creates buckets from the configured requests-per-second
// budget. Public endpoints get the full budget; private endpoints half,
// matching how both exchanges weight authenticated calls.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &RateLimiter{
		Public:  NewTokenBucket(requestsPerSecond*2, requestsPerSecond),
		Private: NewTokenBucket(requestsPerSecond, requestsPerSecond/2),
	}
}
