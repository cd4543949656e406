package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/pixl-imaging/pixl-core/ledger"
)

func sampleRecords() []ledger.Record {
	return []ledger.Record{
		{
			ProjectSlug:     "p1",
			SourceStudyUID:  "1.2.3",
			AnonStudyUID:    "9.9.9",
			PseudoPatientID: "PSEUDO-1",
			Updated:         time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestPatientDataParquetBytesRoundTrips(t *testing.T) {
	data, err := PatientDataParquetBytes(sampleRecords())
	require.NoError(t, err)
	require.NotEmpty(t, data)

	rows, err := parquet.Read[PatientDataRow](bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "p1", rows[0].ProjectSlug)
	require.Equal(t, "PSEUDO-1", rows[0].PseudoPatientID)
	require.Equal(t, "2024-03-04T12:00:00Z", rows[0].ExportedAt)
}

func TestWritePatientDataParquetWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.parquet")
	require.NoError(t, WritePatientDataParquet(path, sampleRecords()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}
