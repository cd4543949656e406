package ledger

import (
	"context"
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/pixl-imaging/pixl-core/cmn"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies forward-only goose migrations against dsn (spec
// §4.I: "Schema migrations are forward-only and applied at startup
// unless a skip flag is set"). SkipAlembic in cmn.Config maps onto
// this skip.
func Migrate(ctx context.Context, dsn string, skip bool) error {
	if skip {
		cmn.L().Infow("ledger migrations skipped", "reason", "skip_flag_set")
		return nil
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return cmn.WithKind(cmn.KindConfigInvalid, err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return cmn.WithKind(cmn.KindConfigInvalid, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return cmn.WithKind(cmn.KindConfigInvalid, err)
	}
	return nil
}
