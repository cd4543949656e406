// Package secrets implements the Secret Resolver of spec §4.J:
// project-scoped named secrets (DICOMweb/XNAT credentials, per-project
// salts), with create-on-first-use semantics for salts.
package secrets

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// SaltSuffix is the name suffix spec §4.J documents for per-project
// salts: "<alias>--salt".
const SaltSuffix = "--salt"

const saltBytes = 64

// Resolver returns a byte string for a named secret under a project
// alias, e.g. "<alias>--dicomweb--password" or "<alias>--salt".
// Implementations may be key-vault-backed or local-file-backed.
type Resolver interface {
	Get(ctx context.Context, alias, name string) ([]byte, error)
	Put(ctx context.Context, alias, name string, value []byte) error
}

// Name builds the "<alias>--<name>" key spec §4.J describes.
func Name(alias, name string) string { return alias + "--" + name }

// Salt resolves the per-project salt, generating and persisting a
// fresh 64-byte random key on first use (spec §4.J).
func Salt(ctx context.Context, r Resolver, alias string) ([]byte, error) {
	name := alias + SaltSuffix
	val, err := r.Get(ctx, alias, "salt")
	if err == nil {
		return val, nil
	}
	if cmn.KindOf(err) != cmn.KindSecretUnavailable {
		return nil, err
	}

	fresh := make([]byte, saltBytes)
	if _, rerr := rand.Read(fresh); rerr != nil {
		return nil, cmn.WithKind(cmn.KindSecretUnavailable, errors.Wrap(rerr, "secrets: generate salt"))
	}
	if err := r.Put(ctx, alias, "salt", fresh); err != nil {
		return nil, errors.Wrapf(err, "secrets: persist salt %s", name)
	}
	return fresh, nil
}
