// Package export implements the Export Router of spec §4.H: per
// destination-kind uploaders sharing one upload contract.
package export

import (
	"context"
	"time"
)

// StudyPackage is what gets uploaded: the anonymised study's zipped
// bytes plus the identifiers the destination needs.
type StudyPackage struct {
	ProjectSlug     string
	PseudoPatientID string
	AnonStudyUID    string
	ZipBytes        []byte
	ExtractDateTime time.Time
}

// Spec carries the per-project DestinationSpec/XNATOptions the router
// needs to pick and configure an uploader; it mirrors project.ProjectConfig's
// relevant fields without importing the project package's YAML concerns.
type Spec struct {
	DICOMDestination string // none|ftps|dicomweb|xnat
	FTPSAddr         string
	DICOMwebEndpoint string
	XNATBaseURL      string
	XNATOverwrite    string
	XNATDestination  string
}

// Receipt records a successful upload.
type Receipt struct {
	Destination string
	RemotePath  string
	UploadedAt  time.Time
}

// UploadError wraps a failed upload with the destination kind that
// failed, letting the scheduler log it without type-asserting.
type UploadError struct {
	Destination string
	Err         error
}

func (e *UploadError) Error() string { return e.Destination + ": " + e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }

// Uploader is the contract every destination implements (spec §4.H:
// "All uploaders implement the same contract").
type Uploader interface {
	Upload(ctx context.Context, study StudyPackage, spec Spec) (Receipt, error)
}

// Router selects an Uploader per DestinationSpec.dicom.
type Router struct {
	ftps     Uploader
	dicomweb Uploader
	xnat     Uploader
}

func NewRouter(ftps, dicomweb, xnat Uploader) *Router {
	return &Router{ftps: ftps, dicomweb: dicomweb, xnat: xnat}
}

func (r *Router) Upload(ctx context.Context, study StudyPackage, spec Spec) (Receipt, error) {
	var u Uploader
	switch spec.DICOMDestination {
	case "none":
		return Receipt{Destination: "none", UploadedAt: time.Now()}, nil
	case "ftps":
		u = r.ftps
	case "dicomweb":
		u = r.dicomweb
	case "xnat":
		u = r.xnat
	default:
		return Receipt{}, &UploadError{Destination: spec.DICOMDestination, Err: errUnknownDestination(spec.DICOMDestination)}
	}
	rec, err := u.Upload(ctx, study, spec)
	if err != nil {
		return Receipt{}, &UploadError{Destination: spec.DICOMDestination, Err: err}
	}
	return rec, nil
}

type unknownDestinationErr string

func (e unknownDestinationErr) Error() string { return "export: unknown destination " + string(e) }
func errUnknownDestination(d string) error    { return unknownDestinationErr(d) }
