package rawcache

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// S3Store is an S3-compatible BlobStore for multi-node deployments
// where the raw cache must be shared across scheduler workers rather
// than pinned to one host's local disk.
type S3Store struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

func NewS3Store(sess *session.Session, bucket string) *S3Store {
	return &S3Store{
		bucket:   bucket,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: s3 put"))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, cmn.WithKind(cmn.KindNotFound, errors.Wrap(err, "rawcache: s3 get"))
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: s3 delete"))
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]BlobInfo, error) {
	var out []BlobInfo
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			out = append(out, BlobInfo{Key: aws.StringValue(obj.Key), Size: size})
		}
		return true
	})
	if err != nil {
		return nil, cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: s3 list"))
	}
	return out, nil
}

var _ BlobStore = (*S3Store)(nil)
