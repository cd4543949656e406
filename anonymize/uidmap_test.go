package anonymize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUIDMapIsDeterministicAndStable(t *testing.T) {
	m := NewUIDMap([]byte("project-salt"))

	first, err := m.Rewrite("1.2.840.original.uid.1")
	require.NoError(t, err)
	require.LessOrEqual(t, len(first), 64)

	second, err := m.Rewrite("1.2.840.original.uid.1")
	require.NoError(t, err)
	require.Equal(t, first, second, "same original UID must always map to the same new UID")
}

func TestUIDMapDistinctInputsDistinctOutputs(t *testing.T) {
	m := NewUIDMap([]byte("project-salt"))
	a, err := m.Rewrite("uid-a")
	require.NoError(t, err)
	b, err := m.Rewrite("uid-b")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestUIDMapDifferentProjectsDiverge(t *testing.T) {
	m1 := NewUIDMap([]byte("salt-1"))
	m2 := NewUIDMap([]byte("salt-2"))

	r1, err := m1.Rewrite("uid-shared")
	require.NoError(t, err)
	r2, err := m2.Rewrite("uid-shared")
	require.NoError(t, err)
	require.NotEqual(t, r1, r2)
}
