// Package rawcache implements the Raw Cache Coordinator of spec §4.F:
// idempotent C-STORE ingestion keyed by (StudyInstanceUID,
// SeriesInstanceUID, SOPInstanceUID), stability detection, and
// LRU eviction bounded by a byte ceiling.
package rawcache

import (
	"context"
	"io"
)

// InstanceKey identifies one stored DICOM instance.
type InstanceKey struct {
	StudyUID    string
	SeriesUID   string
	InstanceUID string
}

// ShardKey returns the blob store key for k, sharded by the low byte
// of an xxhash digest of the study UID so a single directory/prefix
// never holds every instance of every study (spec §4.F storage
// contract, generalized from the teacher's mountpath-sharded object
// layout).
func (k InstanceKey) ShardKey() string {
	return shardPrefix(k.StudyUID) + "/" + k.StudyUID + "/" + k.SeriesUID + "/" + k.InstanceUID + ".dcm"
}

// BlobStore is the pluggable byte-storage backend beneath the
// Coordinator. Implementations: local filesystem (default) and an
// S3-compatible object store for multi-node deployments.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// BlobInfo is one listed blob's key and size, used by eviction and
// capacity accounting.
type BlobInfo struct {
	Key  string
	Size int64
}
