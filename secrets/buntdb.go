package secrets

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// FileResolver is a local-file-backed Resolver for testing and
// single-node deployments, indexed by github.com/tidwall/buntdb so
// secrets survive a process restart without a separate database.
type FileResolver struct {
	db *buntdb.DB
}

// OpenFile opens (creating if absent) a buntdb file at path. Pass ":memory:"
// for an ephemeral, test-only store.
func OpenFile(path string) (*FileResolver, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.WithKind(cmn.KindSecretUnavailable, errors.Wrap(err, "secrets: open buntdb"))
	}
	return &FileResolver{db: db}, nil
}

func (f *FileResolver) Close() error { return f.db.Close() }

func (f *FileResolver) Get(_ context.Context, alias, name string) ([]byte, error) {
	var val string
	err := f.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(Name(alias, name))
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, cmn.WithKind(cmn.KindSecretUnavailable,
			errors.Errorf("secrets: %s not found", Name(alias, name)))
	}
	if err != nil {
		return nil, cmn.WithKind(cmn.KindSecretUnavailable, errors.Wrap(err, "secrets: get"))
	}
	return []byte(val), nil
}

func (f *FileResolver) Put(_ context.Context, alias, name string, value []byte) error {
	err := f.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(Name(alias, name), string(value), nil)
		return err
	})
	if err != nil {
		return cmn.WithKind(cmn.KindSecretUnavailable, errors.Wrap(err, "secrets: put"))
	}
	return nil
}

var _ Resolver = (*FileResolver)(nil)
