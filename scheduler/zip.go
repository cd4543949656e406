package scheduler

import (
	"archive/zip"
	"bytes"
	"fmt"

	"github.com/suyashkumar/dicom"

	"github.com/pixl-imaging/pixl-core/anonymize"
)

// zipResults serialises every anonymised instance into a zip archive,
// the unit spec §4.H's FTPS/XNAT uploaders expect ("one zip per
// study"). Instances are named by their ordinal position; within-study
// ordering is the caller's responsibility (spec §5: SOPInstanceUID-hash
// deterministic order) via the order AssembleStudyFunc returned them in.
func zipResults(results []anonymize.Result) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, res := range results {
		w, err := zw.Create(fmt.Sprintf("instance-%04d.dcm", i))
		if err != nil {
			return nil, err
		}
		if err := dicom.Write(w, res.Dataset); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
