package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeUploader struct {
	receipt Receipt
	err     error
	calls   int
}

func (f *fakeUploader) Upload(ctx context.Context, study StudyPackage, spec Spec) (Receipt, error) {
	f.calls++
	return f.receipt, f.err
}

func TestRouterSelectsUploaderByDestination(t *testing.T) {
	ftps := &fakeUploader{receipt: Receipt{Destination: "ftps"}}
	dicomweb := &fakeUploader{receipt: Receipt{Destination: "dicomweb"}}
	xnat := &fakeUploader{receipt: Receipt{Destination: "xnat"}}
	r := NewRouter(ftps, dicomweb, xnat)

	ctx := context.Background()
	study := StudyPackage{ProjectSlug: "proj", ExtractDateTime: time.Now()}

	_, err := r.Upload(ctx, study, Spec{DICOMDestination: "ftps"})
	require.NoError(t, err)
	require.Equal(t, 1, ftps.calls)
	require.Equal(t, 0, dicomweb.calls)

	_, err = r.Upload(ctx, study, Spec{DICOMDestination: "xnat"})
	require.NoError(t, err)
	require.Equal(t, 1, xnat.calls)
}

func TestRouterNoneDestinationSkipsUpload(t *testing.T) {
	ftps := &fakeUploader{}
	r := NewRouter(ftps, ftps, ftps)

	rec, err := r.Upload(context.Background(), StudyPackage{}, Spec{DICOMDestination: "none"})
	require.NoError(t, err)
	require.Equal(t, "none", rec.Destination)
	require.Equal(t, 0, ftps.calls)
}

func TestRouterWrapsUploadError(t *testing.T) {
	failing := &fakeUploader{err: errBoom}
	r := NewRouter(failing, failing, failing)

	_, err := r.Upload(context.Background(), StudyPackage{}, Spec{DICOMDestination: "ftps"})
	require.Error(t, err)
	var uerr *UploadError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, "ftps", uerr.Destination)
}

func TestRouterUnknownDestination(t *testing.T) {
	ftps := &fakeUploader{}
	r := NewRouter(ftps, ftps, ftps)
	_, err := r.Upload(context.Background(), StudyPackage{}, Spec{DICOMDestination: "carrier-pigeon"})
	require.Error(t, err)
	var uerr *UploadError
	require.ErrorAs(t, err, &uerr)
}
