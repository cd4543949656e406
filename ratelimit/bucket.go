// Package ratelimit implements the Rate Limiter of spec §4.C: a
// token bucket per DICOM source bounding request *initiation*, plus a
// process-wide semaphore bounding concurrent resource *occupation*.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a classic lazily-refilled token bucket: tokens accrue at
// rate per second up to burst capacity, computed on demand rather than
// via a ticking goroutine so an idle bucket costs nothing.
type bucket struct {
	mu       sync.Mutex
	rate     float64 // tokens/sec
	burst    float64
	tokens   float64
	lastFill time.Time
}

func newBucket(rate, burst float64) *bucket {
	return &bucket{rate: rate, burst: burst, tokens: burst, lastFill: time.Now()}
}

func (b *bucket) setRate(rate, burst float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.rate = rate
	b.burst = burst
	if b.tokens > burst {
		b.tokens = burst
	}
}

func (b *bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastFill = now
}

// acquire blocks the caller until one token is available or ctx is
// cancelled. It governs request *initiation* only (spec §4.C) — callers
// must not hold the token across a long-lived transfer.
func (b *bucket) acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		rate := b.rate
		b.mu.Unlock()

		var wait time.Duration
		if rate > 0 {
			wait = time.Duration(deficit / rate * float64(time.Second))
		} else {
			wait = 50 * time.Millisecond
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
