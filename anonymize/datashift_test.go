package anonymize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDateShiftOffsetDeterministicAndInRange(t *testing.T) {
	salt := []byte("project-salt")
	off1 := DateShiftOffset(salt, "1.2.840.study.1")
	off2 := DateShiftOffset(salt, "1.2.840.study.1")
	require.Equal(t, off1, off2, "same salt+study must yield the same offset")
	require.LessOrEqual(t, off1, 0)
	require.GreaterOrEqual(t, off1, -maxDateShiftDays)
}

func TestDateShiftOffsetVariesByStudy(t *testing.T) {
	salt := []byte("project-salt")
	off1 := DateShiftOffset(salt, "study-a")
	off2 := DateShiftOffset(salt, "study-b")
	require.NotEqual(t, off1, off2, "distinct studies should (almost always) get distinct offsets")
}

func TestDateShiftOffsetVariesBySalt(t *testing.T) {
	offA := DateShiftOffset([]byte("salt-a"), "study-1")
	offB := DateShiftOffset([]byte("salt-b"), "study-1")
	require.NotEqual(t, offA, offB)
}
