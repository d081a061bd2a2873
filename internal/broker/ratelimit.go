// ratelimit.go implements token-bucket rate limiting for the broker REST API.
//
// Brokers meter REST access per endpoint family. A smooth token bucket
// (continuous refill, fractional tokens) avoids bursting into hard limits.
// Two buckets are kept:
//   - Quote:      market quote reads backing the snapshot cache
//   - Instrument: instrument master dumps (large, infrequent)
package broker

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

// RateLimiter groups token buckets by broker endpoint family.
type RateLimiter struct {
	Quote      *TokenBucket // GET /quotes
	Instrument *TokenBucket // GET /instruments
}

// NewRateLimiter creates buckets tuned to typical broker REST limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Quote:      NewTokenBucket(25, 5),  // 250 per 10s window
		Instrument: NewTokenBucket(2, 0.2), // master dumps are heavyweight
	}
}
