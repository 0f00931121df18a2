package docstore

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/malbeclabs/fleetlake/indexer"
	"github.com/malbeclabs/fleetlake/indexer/pkg/migrate"
)

var migrations = migrate.Set{
	Name:    "postgres",
	Dialect: "postgres",
	FS:      indexer.PostgresMigrationsFS,
	Dir:     "db/postgres/migrations",
}

// RunMigrations applies the documents table schema through the pool.
func RunMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrate.Up(ctx, log, db, migrations)
}

func MigrationStatus(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrate.Status(ctx, log, db, migrations)
}
