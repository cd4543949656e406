package ingest

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/queue"
)

// procedureOccurrenceRow is the subset of public/PROCEDURE_OCCURRENCE.parquet
// (spec §6) needed to place a row on the extract queue: which person had
// the procedure, at what datetime. Identifier-bearing columns
// (MRN/accession/StudyUID) live in the private/ link tables joined below,
// not in this OMOP-shaped public table.
type procedureOccurrenceRow struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	PersonID              int64  `parquet:"person_id"`
	ProcedureDateTime     string `parquet:"procedure_datetime"`
}

// personLinkRow is one row of private/PERSON_LINKS.parquet: the
// de-identified OMOP person_id resolved back to its hospital MRN.
type personLinkRow struct {
	PersonID int64  `parquet:"person_id"`
	MRN      string `parquet:"mrn"`
}

// procedureLinkRow is one row of private/PROCEDURE_OCCURRENCE_LINKS.parquet:
// the OMOP procedure_occurrence_id resolved back to its reporting
// accession number and, when already known, its DICOM StudyInstanceUID.
type procedureLinkRow struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	AccessionNumber       string `parquet:"accession_number"`
	StudyUID              string `parquet:"study_uid,optional"`
}

// LoadParquetDir builds one ExtractRequest per procedure occurrence row
// in an OMOP extract directory laid out per spec §6: `public/
// PROCEDURE_OCCURRENCE.parquet`, `private/PERSON_LINKS.parquet`,
// `private/PROCEDURE_OCCURRENCE_LINKS.parquet` and `extract_summary.json`
// directly under dir. The project name in extract_summary.json is taken
// as the project slug the Registry was loaded with.
func LoadParquetDir(dir string) ([]queue.ExtractRequest, error) {
	summary, err := loadExtractSummary(filepath.Join(dir, "extract_summary.json"))
	if err != nil {
		return nil, err
	}

	occurrences, err := readParquetRows[procedureOccurrenceRow](filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"))
	if err != nil {
		return nil, err
	}
	personLinks, err := readParquetRows[personLinkRow](filepath.Join(dir, "private", "PERSON_LINKS.parquet"))
	if err != nil {
		return nil, err
	}
	procedureLinks, err := readParquetRows[procedureLinkRow](filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"))
	if err != nil {
		return nil, err
	}

	mrnByPerson := make(map[int64]string, len(personLinks))
	for _, l := range personLinks {
		mrnByPerson[l.PersonID] = l.MRN
	}
	linkByOccurrence := make(map[int64]procedureLinkRow, len(procedureLinks))
	for _, l := range procedureLinks {
		linkByOccurrence[l.ProcedureOccurrenceID] = l
	}

	out := make([]queue.ExtractRequest, 0, len(occurrences))
	for _, occ := range occurrences {
		mrn, ok := mrnByPerson[occ.PersonID]
		if !ok {
			cmn.L().Warnw("ingest: procedure occurrence has no person link, skipped",
				"procedure_occurrence_id", occ.ProcedureOccurrenceID, "person_id", occ.PersonID)
			continue
		}
		link, ok := linkByOccurrence[occ.ProcedureOccurrenceID]
		if !ok {
			cmn.L().Warnw("ingest: procedure occurrence has no accession link, skipped",
				"procedure_occurrence_id", occ.ProcedureOccurrenceID)
			continue
		}

		studyDT, err := parseOMOPDateTime(occ.ProcedureDateTime)
		if err != nil {
			return nil, cmn.WithKind(cmn.KindConfigInvalid,
				errors.Wrapf(err, "ingest: procedure_occurrence_id %d", occ.ProcedureOccurrenceID))
		}

		req := queue.NewExtractRequest(mrn, link.AccessionNumber, link.StudyUID, summary.ProjectName,
			studyDT, summary.ExtractDateTime, queue.PriorityLowest)
		if err := req.Validate(); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func readParquetRows[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cmn.WithKind(cmn.KindConfigInvalid, errors.Wrapf(err, "ingest: open %s", path))
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	var out []T
	buf := make([]T, 256)
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cmn.WithKind(cmn.KindConfigInvalid, errors.Wrapf(err, "ingest: read %s", path))
		}
	}
	return out, nil
}

// parseOMOPDateTime accepts either an RFC3339 timestamp or a bare
// Unix-epoch-seconds integer, the two forms an OMOP ETL commonly emits
// for a DATETIME column serialised through parquet's logical types.
func parseOMOPDateTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "procedure_datetime %q is neither RFC3339 nor unix seconds", v)
	}
	return time.Unix(secs, 0).UTC(), nil
}
