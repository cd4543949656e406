package rawcache

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// FSStore is the default BlobStore: a local directory tree, one file
// per instance at the ShardKey path.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore { return &FSStore{root: root} }

func (s *FSStore) path(key string) string { return filepath.Join(s.root, filepath.FromSlash(key)) }

func (s *FSStore) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: mkdir"))
	}
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: create"))
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: write"))
	}
	if err := f.Close(); err != nil {
		return cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: close"))
	}
	// rename provides the idempotent-overwrite semantics spec §4.F
	// requires: a duplicate SOPInstanceUID overwrites, never errors.
	return os.Rename(tmp, p)
}

func (s *FSStore) Get(_ context.Context, key string) (io.ReadCloser, int64, error) {
	p := s.path(key)
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, cmn.WithKind(cmn.KindNotFound, errors.Wrap(err, "rawcache: open"))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: stat"))
	}
	return f, fi.Size(), nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: delete"))
	}
	return nil
}

// List walks prefix with godirwalk, which the teacher's corpus uses
// for fast, allocation-light directory scans at scale (cheaper than
// filepath.Walk's per-entry os.Lstat calls).
func (s *FSStore) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	root := s.path(prefix)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	var out []BlobInfo
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if filepath.Ext(osPathname) == ".tmp" {
				return nil
			}
			fi, statErr := os.Stat(osPathname)
			if statErr != nil {
				return nil
			}
			rel, relErr := filepath.Rel(s.root, osPathname)
			if relErr != nil {
				return nil
			}
			out = append(out, BlobInfo{Key: filepath.ToSlash(rel), Size: fi.Size()})
			return nil
		},
	})
	if err != nil {
		return nil, cmn.WithKind(cmn.KindCacheUnstable, errors.Wrap(err, "rawcache: list"))
	}
	return out, nil
}

var _ BlobStore = (*FSStore)(nil)
