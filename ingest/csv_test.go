package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixl-imaging/pixl-core/queue"
)

func writeTempCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCSVParsesRows(t *testing.T) {
	path := writeTempCSV(t, "p1,mrn1,acc1,,2024-01-02T15:04:05Z\np1,mrn2,acc2,1.2.3,2024-02-03T10:00:00Z\n")

	reqs, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	require.Equal(t, "mrn1", reqs[0].MRN)
	require.Equal(t, "acc1", reqs[0].Accession)
	require.Empty(t, reqs[0].StudyUID)
	require.Equal(t, "1.2.3", reqs[1].StudyUID)
}

func TestLoadCSVRejectsShortRow(t *testing.T) {
	path := writeTempCSV(t, "p1,mrn1,acc1\n")
	_, err := LoadCSV(path)
	require.Error(t, err)
}

func TestLoadCSVRejectsBadDateTime(t *testing.T) {
	path := writeTempCSV(t, "p1,mrn1,acc1,,not-a-date\n")
	_, err := LoadCSV(path)
	require.Error(t, err)
}

func TestPublishAllPublishesEveryRow(t *testing.T) {
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })

	reqs, err := LoadCSV(writeTempCSV(t, "p1,mrn1,acc1,,2024-01-02T15:04:05Z\np1,mrn2,acc2,,2024-01-02T15:04:05Z\n"))
	require.NoError(t, err)

	n, err := PublishAll(context.Background(), broker, queue.Primary, reqs)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
