package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/fleetlake/admin/internal/admin"
	"github.com/malbeclabs/fleetlake/indexer/pkg/clickhouse"
	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/telemetry"
	"github.com/malbeclabs/fleetlake/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Document store configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL DSN of the document store (or set POSTGRES_DSN env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Commands
	postgresMigrateFlag := flag.Bool("postgres-migrate", false, "Run document store migrations using goose")
	postgresMigrateStatusFlag := flag.Bool("postgres-migrate-status", false, "Show document store migration status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse migration status")
	pruneFlag := flag.Bool("prune", false, "Apply the telemetry retention bound to every device")
	aggregateFlag := flag.Bool("aggregate", false, "Compute every telemetry window once (mirrored to ClickHouse when configured)")
	releaseAccountLockFlag := flag.Bool("release-account-lock", false, "Unbind the document store from its account")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Prune options
	retentionKeepFlag := flag.Int("retention-keep", telemetry.DefaultRetentionKeep, "telemetry records kept per device")
	batchSizeFlag := flag.Int("batch-size", telemetry.DefaultBatchSize, "delete batch size (at most 200)")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		*postgresDSNFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	ctx := context.Background()
	migrationConfig := clickhouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	// Execute commands
	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(ctx, log, migrationConfig)
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.MigrationStatus(ctx, log, migrationConfig)
	}

	if !*postgresMigrateFlag && !*postgresMigrateStatusFlag && !*pruneFlag && !*aggregateFlag && !*releaseAccountLockFlag {
		flag.Usage()
		return fmt.Errorf("no command specified")
	}

	if *postgresDSNFlag == "" {
		return fmt.Errorf("--postgres-dsn is required")
	}
	store, err := docstore.NewPostgresStore(ctx, docstore.PostgresConfig{
		Logger: log,
		DSN:    *postgresDSNFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres store: %w", err)
	}
	defer store.Close()

	switch {
	case *postgresMigrateFlag:
		return docstore.RunMigrations(ctx, log, store.Pool())

	case *postgresMigrateStatusFlag:
		return docstore.MigrationStatus(ctx, log, store.Pool())

	case *pruneFlag:
		summary, err := admin.PruneAll(ctx, log, store, admin.PruneConfig{
			Keep:      *retentionKeepFlag,
			BatchSize: *batchSizeFlag,
			DryRun:    *dryRunFlag,
		})
		if err != nil {
			return err
		}
		log.Info("prune complete", "devices", summary.Devices, "deleted", summary.Deleted, "dry_run", *dryRunFlag)
		return nil

	case *aggregateFlag:
		return runAggregate(ctx, log, store, migrationConfig)

	default:
		return admin.ReleaseAccountLock(ctx, log, store, *yesFlag, os.Stdin, os.Stdout)
	}
}

func runAggregate(ctx context.Context, log *slog.Logger, store docstore.Store, cfg clickhouse.MigrationConfig) error {
	clock := clockwork.NewRealClock()

	var sink telemetry.AggregateSink
	if cfg.Addr != "" {
		client, err := clickhouse.NewClient(ctx, log, cfg.Addr, cfg.Database, cfg.Username, cfg.Password, cfg.Secure)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer client.Close()
		chSink, err := telemetry.NewClickHouseSink(telemetry.ClickHouseSinkConfig{
			Logger:     log,
			Clock:      clock,
			ClickHouse: client,
		})
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse sink: %w", err)
		}
		sink = chSink
	}

	_, err := admin.AggregateAll(ctx, log, clock, store, sink, telemetry.DefaultWindows)
	return err
}
