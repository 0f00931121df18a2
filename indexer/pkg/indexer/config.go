package indexer

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/indexer/pkg/clickhouse"
	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/entities"
	"github.com/malbeclabs/fleetlake/indexer/pkg/telemetry"
)

// Source is the remote API the indexer polls.
type Source interface {
	entities.Source
	telemetry.Source
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  docstore.Store
	Source Source

	// Entity sync configuration.
	RefreshInterval     time.Duration
	AddressReferenceIDs []string
	RouterConfigIDs     []string
	ServiceLineNumbers  []string

	// Telemetry configuration.
	TelemetryRefreshInterval time.Duration
	RetentionKeep            int
	BatchSize                int
	Commit                   telemetry.CommitPolicy
	Windows                  []telemetry.Window

	// Raw payload archive (optional).
	Archiver telemetry.Archiver

	// InfluxDB point mirror (optional).
	Influx telemetry.InfluxWriter

	// ClickHouse aggregate mirror (optional).
	ClickHouse       clickhouse.Client
	MigrationsEnable bool
	MigrationsConfig clickhouse.MigrationConfig

	// SkipReadyWait makes Ready return true immediately without waiting for the views
	// to complete their first pass.
	SkipReadyWait bool
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("document store is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	if c.Source.AccountNumber() == "" {
		return errors.New("account number is required")
	}
	if c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if c.MigrationsEnable && c.ClickHouse == nil {
		return errors.New("clickhouse connection is required when migrations are enabled")
	}

	// Optional with defaults
	if c.TelemetryRefreshInterval <= 0 {
		c.TelemetryRefreshInterval = c.RefreshInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}
