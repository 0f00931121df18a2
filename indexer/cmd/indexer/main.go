package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/fleetlake/indexer/pkg/archive"
	"github.com/malbeclabs/fleetlake/indexer/pkg/clickhouse"
	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/indexer"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
	"github.com/malbeclabs/fleetlake/indexer/pkg/server"
	"github.com/malbeclabs/fleetlake/indexer/pkg/starlink"
	"github.com/malbeclabs/fleetlake/indexer/pkg/telemetry"
	"github.com/malbeclabs/fleetlake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:3010"
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultRefreshInterval = 60 * time.Second
	defaultRetentionKeep   = 30
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "enable ClickHouse migrations on startup")
	createDatabaseFlag := flag.Bool("create-database", false, "create the ClickHouse database before startup (for dev use)")

	// Starlink configuration
	accountNumberFlag := flag.String("account-number", "", "Starlink account number (or set STARLINK_ACCOUNT_NUMBER env var)")
	addressIDsFlag := flag.StringSlice("address-ids", nil, "Address reference ids fetched individually after the list refresh")
	routerConfigIDsFlag := flag.StringSlice("router-config-ids", nil, "Router config ids fetched individually after the list refresh")
	serviceLinesFlag := flag.StringSlice("service-lines", nil, "Service line numbers fetched individually after the list refresh")

	// Document store configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL DSN for the document store (or set POSTGRES_DSN env var); in-memory when empty")

	// ClickHouse configuration (optional)
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse server address (e.g., localhost:9000, or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Archive configuration (optional)
	archiveBucketFlag := flag.String("archive-s3-bucket", "", "S3 bucket for raw telemetry payloads (or set ARCHIVE_S3_BUCKET env var)")
	archiveRegionFlag := flag.String("archive-s3-region", archive.DefaultRegion, "AWS region for the archive bucket (or set ARCHIVE_S3_REGION env var)")
	archiveEndpointFlag := flag.String("archive-s3-endpoint-url", "", "Custom S3 endpoint, e.g. MinIO (or set ARCHIVE_S3_ENDPOINT_URL env var)")

	// Ingestion configuration
	refreshIntervalFlag := flag.Duration("refresh-interval", defaultRefreshInterval, "entity refresh interval")
	telemetryIntervalFlag := flag.Duration("telemetry-refresh-interval", 0, "telemetry refresh interval (defaults to refresh-interval)")
	retentionKeepFlag := flag.Int("retention-keep", defaultRetentionKeep, "telemetry records kept per device")
	batchSizeFlag := flag.Int("batch-size", telemetry.DefaultBatchSize, "telemetry write and delete batch size (at most 200)")

	// Readiness configuration
	skipReadyWaitFlag := flag.Bool("skip-ready-wait", false, "Skip waiting for views to be ready (for preview/dev environments)")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	// Override flags with environment variables if set
	if v := os.Getenv("STARLINK_ACCOUNT_NUMBER"); v != "" {
		*accountNumberFlag = v
	}
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
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		*archiveBucketFlag = v
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		*archiveRegionFlag = v
	}
	if v := os.Getenv("ARCHIVE_S3_ENDPOINT_URL"); v != "" {
		*archiveEndpointFlag = v
	}
	if err := envInt("RETENTION_KEEP", retentionKeepFlag); err != nil {
		return err
	}

	// Credentials are only ever read from the environment.
	clientID := os.Getenv("STARLINK_CLIENT_ID")
	clientSecret := os.Getenv("STARLINK_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return fmt.Errorf("STARLINK_CLIENT_ID and STARLINK_CLIENT_SECRET are required")
	}
	if *accountNumberFlag == "" {
		return fmt.Errorf("account-number is required")
	}

	log := logger.New(*verboseFlag)

	log.Info("indexer starting",
		"version", version,
		"commit", commit,
		"account", *accountNumberFlag,
		"postgres_enabled", *postgresDSNFlag != "",
		"clickhouse_enabled", *clickhouseAddrFlag != "",
		"archive_enabled", *archiveBucketFlag != "",
	)

	// Initialize Sentry for step failure reporting (optional)
	sentryEnabled := false
	if sentryDSN := os.Getenv("SENTRY_DSN"); sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "environment", sentryEnv, "release", release)
			sentryEnabled = true
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Set up signal handling with detailed logging
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log which signal was received
	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	// Initialize the document store: PostgreSQL when a DSN is set, in-memory otherwise.
	var store docstore.Store
	if *postgresDSNFlag != "" {
		pgStore, err := docstore.NewPostgresStore(ctx, docstore.PostgresConfig{
			Logger: log,
			DSN:    *postgresDSNFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create postgres store: %w", err)
		}
		if err := docstore.RunMigrations(ctx, log, pgStore.Pool()); err != nil {
			pgStore.Close()
			return fmt.Errorf("failed to run postgres migrations: %w", err)
		}
		store = pgStore
	} else {
		log.Warn("postgres dsn not set, using in-memory document store")
		store = docstore.NewMemoryStore()
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close document store", "error", err)
		}
	}()

	// Initialize the Starlink API client
	tokens, err := starlink.NewTokenManager(starlink.TokenManagerConfig{
		Logger:       log,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to create token manager: %w", err)
	}
	httpClient, err := starlink.NewClient(starlink.ClientConfig{
		Logger:      log,
		Credentials: tokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create starlink client: %w", err)
	}
	api, err := starlink.NewAPI(starlink.APIConfig{
		Logger:        log,
		Client:        httpClient,
		AccountNumber: *accountNumberFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create starlink api: %w", err)
	}

	// Initialize the raw payload archive (optional)
	var archiver telemetry.Archiver
	if *archiveBucketFlag != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, archive.S3ArchiverConfig{
			Logger:      log,
			Bucket:      *archiveBucketFlag,
			Region:      *archiveRegionFlag,
			EndpointURL: *archiveEndpointFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 archiver: %w", err)
		}
		archiver = s3Archiver
		log.Info("telemetry archive initialized", "bucket", *archiveBucketFlag, "region", *archiveRegionFlag)
	}

	// Initialize InfluxDB client from environment variables (optional)
	var influxWriter telemetry.InfluxWriter
	influxURL := os.Getenv("INFLUX_URL")
	influxToken := os.Getenv("INFLUX_TOKEN")
	influxBucket := os.Getenv("INFLUX_BUCKET")
	if influxURL != "" && influxToken != "" && influxBucket != "" {
		influxWriter, err = telemetry.NewSDKInfluxWriter(influxURL, influxToken, influxBucket)
		if err != nil {
			return fmt.Errorf("failed to create InfluxDB client: %w", err)
		}
		log.Info("telemetry mirror (InfluxDB) client initialized", "bucket", influxBucket)
	} else {
		log.Info("telemetry mirror (InfluxDB) environment variables not set, mirror disabled")
	}

	// Initialize ClickHouse client (optional)
	var clickhouseDB clickhouse.Client
	if *clickhouseAddrFlag != "" {
		// Create the ClickHouse database if requested (for dev use).
		if *createDatabaseFlag {
			if err := createClickHouseDatabase(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag); err != nil {
				return err
			}
		}

		log.Debug("clickhouse client initializing", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag, "username", *clickhouseUsernameFlag, "secure", *clickhouseSecureFlag)
		clickhouseDB, err = clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer func() {
			if err := clickhouseDB.Close(); err != nil {
				log.Error("failed to close ClickHouse database", "error", err)
			}
		}()
		log.Info("clickhouse client initialized", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag)
	} else if *migrationsEnableFlag {
		return fmt.Errorf("migrations-enable requires clickhouse-addr")
	}

	// Initialize server
	srv, err := server.New(ctx, server.Config{
		ListenAddr:        *listenAddrFlag,
		ReadHeaderTimeout: 30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		SentryEnabled: sentryEnabled,
		IndexerConfig: indexer.Config{
			Logger: log,
			Clock:  clockwork.NewRealClock(),
			Store:  store,
			Source: api,

			RefreshInterval:     *refreshIntervalFlag,
			AddressReferenceIDs: trimAll(*addressIDsFlag),
			RouterConfigIDs:     trimAll(*routerConfigIDsFlag),
			ServiceLineNumbers:  trimAll(*serviceLinesFlag),

			TelemetryRefreshInterval: *telemetryIntervalFlag,
			RetentionKeep:            *retentionKeepFlag,
			BatchSize:                *batchSizeFlag,

			Archiver: archiver,
			Influx:   influxWriter,

			ClickHouse:       clickhouseDB,
			MigrationsEnable: *migrationsEnableFlag,
			MigrationsConfig: clickhouse.MigrationConfig{
				Addr:     *clickhouseAddrFlag,
				Database: *clickhouseDatabaseFlag,
				Username: *clickhouseUsernameFlag,
				Password: *clickhousePasswordFlag,
				Secure:   *clickhouseSecureFlag,
			},

			SkipReadyWait: *skipReadyWaitFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		if err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}

func createClickHouseDatabase(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) error {
	log.Info("creating ClickHouse database", "database", database)
	adminClient, err := clickhouse.NewClient(ctx, log, addr, "default", username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create admin ClickHouse client: %w", err)
	}
	defer adminClient.Close()
	adminConn, err := adminClient.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get admin ClickHouse connection: %w", err)
	}
	if err := clickhouse.CreateDatabase(ctx, log, adminConn, database); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}
	return nil
}

// envInt overrides dst with the integer value of the named variable when it is set.
func envInt(name string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
