package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireSourceSpacesRequestsByRate(t *testing.T) {
	l := New(10)
	l.SetRate("orthanc-a", 5, 1) // 1 token burst, refills at 5/sec -> ~200ms spacing

	ctx := context.Background()
	require.NoError(t, l.AcquireSource(ctx, "orthanc-a"))

	start := time.Now()
	require.NoError(t, l.AcquireSource(ctx, "orthanc-a"))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestAcquireSourceRespectsContextCancellation(t *testing.T) {
	l := New(10)
	l.SetRate("orthanc-a", 1, 1)
	ctx := context.Background()
	require.NoError(t, l.AcquireSource(ctx, "orthanc-a")) // drain the single burst token

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.AcquireSource(cctx, "orthanc-a")
	require.Error(t, err)
}

func TestAcquireSourcesAreIndependent(t *testing.T) {
	l := New(10)
	l.SetRate("a", 1, 1)
	l.SetRate("b", 1, 1)
	ctx := context.Background()

	require.NoError(t, l.AcquireSource(ctx, "a"))
	// b's bucket is untouched, so this must not block on a's exhaustion.
	done := make(chan error, 1)
	go func() { done <- l.AcquireSource(ctx, "b") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("acquiring source b blocked on source a's bucket")
	}
}

func TestGlobalSemaphoreBoundsInFlight(t *testing.T) {
	l := New(2)
	ctx := context.Background()

	release1, err := l.AcquireGlobal(ctx)
	require.NoError(t, err)
	release2, err := l.AcquireGlobal(ctx)
	require.NoError(t, err)

	_, ok := l.TryAcquireGlobal()
	require.False(t, ok, "third concurrent occupant should be rejected")

	release1()
	release3, ok := l.TryAcquireGlobal()
	require.True(t, ok, "slot freed by release1 should be available")

	release2()
	release3()
}
