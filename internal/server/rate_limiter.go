// Package server wraps a token bucket rate limiter for per-connection
// throttling that protects the hub from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a bucket holding capacity tokens. Tokens refill
// smoothly, one every interval/capacity, so an empty bucket is full again
// after interval.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	perSecond := rate.Limit(float64(capacity) / interval.Seconds())
	return rate.NewLimiter(perSecond, capacity)
}
