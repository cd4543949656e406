package anonymize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClipBounds(t *testing.T) {
	require.Equal(t, 0.0, clip(-5, 0, 100))
	require.Equal(t, 100.0, clip(500, 0, 100))
	require.Equal(t, 42.0, clip(42, 0, 100))
}

func TestXorSaltsTruncatesToShorterInput(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}
	b := []byte{0xFF, 0xFF}
	got := xorSalts(a, b)
	require.Equal(t, []byte{0xFE, 0xFD}, got)
}

func TestParseDicomDateTimeRecognisesDAandDT(t *testing.T) {
	layout, parsed, err := parseDicomDateTime("20240115")
	require.NoError(t, err)
	require.Equal(t, dicomDALayout, layout)
	require.Equal(t, 2024, parsed.Year())
	require.Equal(t, time.January, parsed.Month())
	require.Equal(t, 15, parsed.Day())

	_, _, err = parseDicomDateTime("not-a-date")
	require.Error(t, err)
}
