package rawcache

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	dir := t.TempDir()
	store := NewFSStore(dir)
	return NewCoordinator(store, 50*time.Millisecond, 1), dir
}

func TestStoreIsIdempotentOnDuplicateInstance(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := InstanceKey{StudyUID: "1.1", SeriesUID: "1.1.1", InstanceUID: "1.1.1.1"}

	require.NoError(t, c.Store(ctx, key, bytes.NewReader([]byte("first")), 5))
	require.NoError(t, c.Store(ctx, key, bytes.NewReader([]byte("second-version")), 14))
	require.Equal(t, 1, c.InstanceCount("1.1"))

	rc, err := c.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "second-version", string(got))
}

func TestMissingInstancesReportsGap(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, InstanceKey{StudyUID: "s1", SeriesUID: "se1", InstanceUID: "i1"}, bytes.NewReader([]byte("a")), 1))

	missing := c.MissingInstances("s1", []string{"i1", "i2", "i3"})
	require.ElementsMatch(t, []string{"i2", "i3"}, missing)
}

func TestStabilityRequiresQuiescenceAndExpectedCount(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	c.SetExpected("s1", 2)
	require.NoError(t, c.Store(ctx, InstanceKey{StudyUID: "s1", SeriesUID: "se1", InstanceUID: "i1"}, bytes.NewReader([]byte("a")), 1))

	require.False(t, c.IsStable("s1"), "not stable: only 1 of 2 expected instances present")

	require.NoError(t, c.Store(ctx, InstanceKey{StudyUID: "s1", SeriesUID: "se1", InstanceUID: "i2"}, bytes.NewReader([]byte("a")), 1))
	require.False(t, c.IsStable("s1"), "not stable: quiescence window has not elapsed")

	time.Sleep(60 * time.Millisecond)
	require.True(t, c.IsStable("s1"))
}

func TestPinnedStudyNotEvicted(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, InstanceKey{StudyUID: "s1", SeriesUID: "se1", InstanceUID: "i1"}, bytes.NewReader(make([]byte, 1024*1024)), 1024*1024))
	c.Pin("s1")

	require.NoError(t, c.HousekeepEvict(ctx))
	require.Equal(t, 1, c.InstanceCount("s1"), "pinned study must survive eviction sweep")
}

func TestUnpinnedStudyEvictedWhenOverCeiling(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	// Random bytes do not compress, so the lz4 blob on disk stays over
	// the 1 MiB ceiling that HousekeepEvict compares against.
	payload := make([]byte, 2*1024*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	require.NoError(t, c.Store(ctx, InstanceKey{StudyUID: "s1", SeriesUID: "se1", InstanceUID: "i1"}, bytes.NewReader(payload), 2*1024*1024))

	require.NoError(t, c.HousekeepEvict(ctx))
	require.Equal(t, 0, c.InstanceCount("s1"))
}
