package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/malbeclabs/fleetlake/indexer"
	"github.com/malbeclabs/fleetlake/indexer/pkg/migrate"
)

var migrations = migrate.Set{
	Name:    "clickhouse",
	Dialect: "clickhouse",
	FS:      indexer.ClickHouseMigrationsFS,
	Dir:     "db/clickhouse/migrations",
}

func CreateDatabase(ctx context.Context, log *slog.Logger, conn Connection, database string) error {
	log.Info("clickhouse: creating database", "database", database)
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database))
}

// MigrationConfig addresses the database migrations run against. Migrations open their
// own database/sql handle since goose does not speak the native protocol client.
type MigrationConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func (cfg MigrationConfig) openDB() *sql.DB {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return clickhouse.OpenDB(options)
}

// RunMigrations applies the aggregate mirror schema.
func RunMigrations(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	db := cfg.openDB()
	defer db.Close()
	return migrate.Up(ctx, log, db, migrations)
}

func MigrationStatus(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	db := cfg.openDB()
	defer db.Close()
	return migrate.Status(ctx, log, db, migrations)
}
