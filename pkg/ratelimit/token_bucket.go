// Package ratelimit implements the per-connection message rate limiting
// used by the mailbox WebSocket handler.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket rate limiting algorithm.
//
// The bucket allows bursts up to the capacity while maintaining an average
// rate over time. Tokens are added at a constant refill rate and each
// message consumes one token. When the bucket is empty the message is
// rejected.
//
// TokenBucket is safe for concurrent use.
type TokenBucket struct {
	capacity   int64     // Maximum tokens in bucket
	tokens     int64     // Current available tokens
	refillRate float64   // Tokens added per second
	lastRefill time.Time // Last time tokens were refilled
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket rate limiter with the given
// burst capacity and refill rate in tokens per second.
func NewTokenBucket(capacity int64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity, // Start with full bucket
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// PerMinute creates a bucket allowing n messages per minute with a burst
// of n.
func PerMinute(n int64) *TokenBucket {
	return NewTokenBucket(n, float64(n)/60.0)
}

// Take attempts to consume n tokens from the bucket. It returns true if
// tokens were available and consumed, false otherwise.
func (tb *TokenBucket) Take(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Allow consumes one token, returning whether the message is within the
// limit.
func (tb *TokenBucket) Allow() bool {
	return tb.Take(1)
}

// Remaining returns the number of tokens currently available.
func (tb *TokenBucket) Remaining() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	return tb.tokens
}

// Reset restores the bucket to full capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = time.Now()
}

// refillLocked adds tokens based on elapsed time since last refill.
// Caller must hold the lock.
func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int64(elapsed.Seconds() * tb.refillRate)
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}
