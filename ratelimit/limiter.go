package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// defaultSourceRate is applied to a source the first time it is seen,
// before any explicit SetRate call. It is intentionally conservative.
// Nothing outside the tests calls SetRate, so every source runs at this
// default.
const (
	defaultSourceRate  = 2.0
	defaultSourceBurst = 2.0
)

// Limiter enforces two independent ceilings from spec §4.C:
//   - a per-source token bucket bounding how fast new transfers may be
//     *initiated* against a given DICOM source
//   - a global semaphore bounding how many messages may be *in flight*
//     at once across all sources, sized to PIXL_MAX_MESSAGES_IN_FLIGHT
//
// The scheduler must not hold a source token across a long-lived
// transfer; AcquireSource returns as soon as the token is spent.
// AcquireGlobal's release func must be held until the occupying work
// (the transfer, the anonymisation pass, etc.) completes.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	global  *semaphore.Weighted
}

// New builds a Limiter whose global ceiling is maxInFlight concurrent
// occupants. maxInFlight must be positive; callers validate this via
// cmn.Config.Validate before construction.
func New(maxInFlight int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		global:  semaphore.NewWeighted(int64(maxInFlight)),
	}
}

func (l *Limiter) bucketFor(source string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[source]
	if !ok {
		b = newBucket(defaultSourceRate, defaultSourceBurst)
		l.buckets[source] = b
	}
	return b
}

// SetRate reconfigures the token bucket for source at runtime (spec
// §4.C: "Rate parameters are reloadable at runtime"). Safe to call
// concurrently with AcquireSource.
func (l *Limiter) SetRate(source string, ratePerSecond, burst float64) {
	l.bucketFor(source).setRate(ratePerSecond, burst)
}

// AcquireSource blocks until a token for source is available or ctx is
// cancelled. It governs request initiation only — release nothing, the
// token is spent on acquire.
func (l *Limiter) AcquireSource(ctx context.Context, source string) error {
	if err := l.bucketFor(source).acquire(ctx); err != nil {
		return cmn.WithKind(cmn.KindTransferTimeout, err)
	}
	return nil
}

// AcquireGlobal blocks until a global in-flight slot is available or
// ctx is cancelled, returning a release func the caller must invoke
// exactly once when the occupying work finishes.
func (l *Limiter) AcquireGlobal(ctx context.Context) (release func(), err error) {
	if err := l.global.Acquire(ctx, 1); err != nil {
		return nil, cmn.WithKind(cmn.KindTransferTimeout, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.global.Release(1) })
	}, nil
}

// TryAcquireGlobal attempts a non-blocking global slot acquisition,
// used by fast paths that would rather skip a message than queue for
// it (e.g. a dedupe pre-check before the real acquire).
func (l *Limiter) TryAcquireGlobal() (release func(), ok bool) {
	if !l.global.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.global.Release(1) })
	}, true
}
