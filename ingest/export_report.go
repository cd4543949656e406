package ingest

import (
	"bytes"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/ledger"
)

// PatientDataRow is one exported study row, the `export-patient-data`
// subcommand's tabular output format (spec §6).
type PatientDataRow struct {
	ProjectSlug     string `parquet:"project_slug"`
	SourceStudyUID  string `parquet:"source_study_uid"`
	AnonStudyUID    string `parquet:"anon_study_uid"`
	PseudoPatientID string `parquet:"pseudo_patient_id"`
	ExportedAt      string `parquet:"exported_at"`
}

// PatientDataParquetBytes encodes records as a parquet file in memory,
// so callers can either write it to local disk or hand it to an
// uploader (spec §4.H) without a temporary file.
func PatientDataParquetBytes(records []ledger.Record) ([]byte, error) {
	rows := make([]PatientDataRow, len(records))
	for i, rec := range records {
		rows[i] = PatientDataRow{
			ProjectSlug:     rec.ProjectSlug,
			SourceStudyUID:  rec.SourceStudyUID,
			AnonStudyUID:    rec.AnonStudyUID,
			PseudoPatientID: rec.PseudoPatientID,
			ExportedAt:      rec.Updated.Format(time.RFC3339),
		}
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[PatientDataRow](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, errors.Wrap(err, "ingest: write patient-data rows")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "ingest: close patient-data writer")
	}
	return buf.Bytes(), nil
}

// WritePatientDataParquet writes records to path as a local parquet
// file — the default destination.parquet: none/unset report path.
func WritePatientDataParquet(path string, records []ledger.Record) error {
	data, err := PatientDataParquetBytes(records)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cmn.WithKind(cmn.KindConfigInvalid, errors.Wrap(err, "ingest: write patient-data output"))
	}
	return nil
}
