package ratelimit

import "time"

// bucket is a token bucket with lazy refill. Not safe for concurrent use;
// the limiter's mutex serializes access.
type bucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// refill credits elapsed time at the refill rate, capped at capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// consume takes cost tokens if available. Refill happens first.
func (b *bucket) consume(cost float64, now time.Time) bool {
	b.refill(now)
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// refund returns borrowed tokens after a later layer rejected.
func (b *bucket) refund(cost float64) {
	b.tokens = min(b.capacity, b.tokens+cost)
}

// timeUntilAvailable returns how long until cost tokens accumulate.
func (b *bucket) timeUntilAvailable(cost float64, now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= cost {
		return 0
	}
	seconds := (cost - b.tokens) / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}
