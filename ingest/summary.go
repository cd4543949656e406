package ingest

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ExtractSummary is extract_summary.json (spec §6): the project name,
// extract datetime and a source hash identifying the OMOP snapshot a
// parquet extract was produced from.
type ExtractSummary struct {
	ProjectName     string    `json:"project_name"`
	ExtractDateTime time.Time `json:"extract_datetime"`
	SourceHash      string    `json:"source_hash"`
}

func loadExtractSummary(path string) (ExtractSummary, error) {
	var s ExtractSummary
	b, err := os.ReadFile(path)
	if err != nil {
		return s, cmn.WithKind(cmn.KindConfigInvalid, errors.Wrap(err, "ingest: read extract_summary.json"))
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, cmn.WithKind(cmn.KindConfigInvalid, errors.Wrap(err, "ingest: parse extract_summary.json"))
	}
	if s.ProjectName == "" {
		return s, cmn.WithKind(cmn.KindConfigInvalid, errors.New("ingest: extract_summary.json missing project_name"))
	}
	return s, nil
}
