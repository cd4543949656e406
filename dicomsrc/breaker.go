package dicomsrc

import (
	"sync"
	"time"
)

// breakerState mirrors the classic closed/open/half-open circuit
// breaker states.
type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

// breaker opens after a configurable number of consecutive failures
// (spec §4.E), failing fast while open and probing once per cooldown.
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	openedAt         time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a new request may proceed, transitioning open
// to half-open once the cooldown elapses.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case open:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = halfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = closed
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	if b.state == halfOpen || b.consecutiveFails >= b.threshold {
		b.state = open
		b.openedAt = time.Now()
	}
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == open
}
