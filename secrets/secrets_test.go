package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaltCreatedOnFirstUse(t *testing.T) {
	r, err := OpenFile(":memory:")
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	first, err := Salt(ctx, r, "proj-alias")
	require.NoError(t, err)
	require.Len(t, first, 64)

	second, err := Salt(ctx, r, "proj-alias")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGetPutRoundTrip(t *testing.T) {
	r, err := OpenFile(":memory:")
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.Put(ctx, "alias", "dicomweb--password", []byte("hunter2")))
	got, err := r.Get(ctx, "alias", "dicomweb--password")
	require.NoError(t, err)
	require.Equal(t, "hunter2", string(got))
}

func TestGetMissingIsSecretUnavailable(t *testing.T) {
	r, err := OpenFile(":memory:")
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get(context.Background(), "alias", "missing")
	require.Error(t, err)
}
