package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles sidecar writes using the token bucket algorithm.
//
// One limiter is shared by every store of a process so that a burst of
// flushes across many directories cannot saturate the disk. Each document
// write consumes one token.
//
// A nil *RateLimiter is valid and never throttles.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter.
//
// Parameters:
//   - writesPerSecond: Sustained write rate. Zero or less disables limiting
//     and New returns nil.
//   - burst: Writes allowed back to back when the bucket is full. Values
//     below 1 default to max(1, ceil(writesPerSecond)).
//
// Example:
//
//	// 50 writes/s sustained, up to 100 at once
//	limiter := New(50, 100)
func New(writesPerSecond float64, burst int) *RateLimiter {
	if writesPerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(writesPerSecond)
		if float64(burst) < writesPerSecond {
			burst++
		}
		if burst < 1 {
			burst = 1
		}
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(writesPerSecond), burst),
	}
}

// Wait blocks until a write token is available or ctx is done.
//
// Returns:
//   - nil if a token was acquired (always nil for a nil limiter)
//   - an error if ctx ended first or its deadline is too close to ever
//     obtain a token
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Allow takes a token if one is available right now.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// Delay reports how long a write issued now would wait, without taking a token.
func (r *RateLimiter) Delay() time.Duration {
	if r == nil {
		return 0
	}
	res := r.limiter.Reserve()
	defer res.Cancel()
	return res.Delay()
}

// Limit returns the configured writes per second (0 for a nil limiter).
func (r *RateLimiter) Limit() float64 {
	if r == nil {
		return 0
	}
	return float64(r.limiter.Limit())
}

// Burst returns the configured burst (0 for a nil limiter).
func (r *RateLimiter) Burst() int {
	if r == nil {
		return 0
	}
	return r.limiter.Burst()
}
