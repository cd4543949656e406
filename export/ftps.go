package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/secrets"
)

// FTPSUploader implements spec §4.H's FTPS destination: implicit-SSL,
// one zip per study at "<slug>/<pseudonymised-id>.zip".
type FTPSUploader struct {
	resolver secrets.Resolver
}

func NewFTPSUploader(resolver secrets.Resolver) *FTPSUploader {
	return &FTPSUploader{resolver: resolver}
}

func (u *FTPSUploader) Upload(ctx context.Context, study StudyPackage, spec Spec) (Receipt, error) {
	user, err := u.resolver.Get(ctx, study.ProjectSlug, "ftps--username")
	if err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindSecretUnavailable, err)
	}
	pass, err := u.resolver.Get(ctx, study.ProjectSlug, "ftps--password")
	if err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindSecretUnavailable, err)
	}

	conn, err := ftp.Dial(spec.FTPSAddr, ftp.DialWithContext(ctx), ftp.DialWithTLS(&tls.Config{
		ServerName: hostOnly(spec.FTPSAddr),
	}))
	if err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: ftps dial"))
	}
	defer conn.Quit()

	if err := conn.Login(string(user), string(pass)); err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: ftps login"))
	}

	remotePath := fmt.Sprintf("%s/%s.zip", study.ProjectSlug, study.PseudoPatientID)
	if err := conn.MakeDir(study.ProjectSlug); err != nil {
		cmn.L().Debugw("export: ftps mkdir (likely already exists)", "error", err)
	}
	if err := conn.Stor(remotePath, bytes.NewReader(study.ZipBytes)); err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: ftps stor"))
	}

	return Receipt{Destination: "ftps", RemotePath: remotePath}, nil
}

// UploadParquet uploads a tabular extract under
// "<slug>/<extract-datetime>/parquet/…" (spec §4.H).
func (u *FTPSUploader) UploadParquet(ctx context.Context, projectSlug, addr, filename string, data []byte, extractDateTime string) (Receipt, error) {
	user, err := u.resolver.Get(ctx, projectSlug, "ftps--username")
	if err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindSecretUnavailable, err)
	}
	pass, err := u.resolver.Get(ctx, projectSlug, "ftps--password")
	if err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindSecretUnavailable, err)
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTLS(&tls.Config{ServerName: hostOnly(addr)}))
	if err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: ftps dial"))
	}
	defer conn.Quit()
	if err := conn.Login(string(user), string(pass)); err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: ftps login"))
	}

	dir := fmt.Sprintf("%s/%s/parquet", projectSlug, extractDateTime)
	remotePath := dir + "/" + filename
	_ = conn.MakeDir(dir)
	if err := conn.Stor(remotePath, bytes.NewReader(data)); err != nil {
		return Receipt{}, cmn.WithKind(cmn.KindUploadFailure, errors.Wrap(err, "export: ftps parquet stor"))
	}
	return Receipt{Destination: "ftps", RemotePath: remotePath}, nil
}

func hostOnly(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

var _ Uploader = (*FTPSUploader)(nil)
