package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixl-imaging/pixl-core/cmn"
)

func TestGetOrCreateDedupes(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	_, existed, err := l.GetOrCreate(ctx, "proj", "study-1")
	require.NoError(t, err)
	require.False(t, existed)

	_, existed, err = l.GetOrCreate(ctx, "proj", "study-1")
	require.NoError(t, err)
	require.True(t, existed)
}

func TestTransitionCompareAndSet(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	_, _, err := l.GetOrCreate(ctx, "proj", "study-1")
	require.NoError(t, err)

	require.NoError(t, l.Transition(ctx, "proj", "study-1", StatePending, StateAnonymised, "", "", ""))

	err = l.Transition(ctx, "proj", "study-1", StatePending, StateExported, "anon-uid", "pseudo-id", "")
	require.Error(t, err)
	require.Equal(t, cmn.KindLedgerConflict, cmn.KindOf(err))

	require.NoError(t, l.Transition(ctx, "proj", "study-1", StateAnonymised, StateExported, "anon-uid", "pseudo-id", ""))
	rec, _, err := l.GetOrCreate(ctx, "proj", "study-1")
	require.NoError(t, err)
	require.Equal(t, StateExported, rec.State)
	require.Equal(t, "anon-uid", rec.AnonStudyUID)
}

func TestStalePendingSweep(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	_, _, err := l.GetOrCreate(ctx, "proj", "stuck")
	require.NoError(t, err)
	l.rows[key("proj", "stuck")].Updated = time.Now().Add(-time.Hour)

	stale, err := l.StalePendingSweep(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stuck", stale[0].SourceStudyUID)
}
