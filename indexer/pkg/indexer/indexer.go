package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/fleetlake/indexer/pkg/clickhouse"
	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/entities"
	"github.com/malbeclabs/fleetlake/indexer/pkg/telemetry"
)

type Indexer struct {
	log *slog.Logger
	cfg Config

	entities    *entities.View
	telemetry   *telemetry.View
	aggregation *telemetry.AggregationView

	startedAt time.Time
}

func New(ctx context.Context, cfg Config) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := checkAccountLock(ctx, cfg.Store, cfg.Source.AccountNumber()); err != nil {
		return nil, fmt.Errorf("account lock check failed: %w", err)
	}

	if cfg.MigrationsEnable {
		if err := clickhouse.RunMigrations(ctx, cfg.Logger, cfg.MigrationsConfig); err != nil {
			return nil, fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
	}

	writer, err := docstore.NewWriter(docstore.WriterConfig{
		Logger: cfg.Logger,
		Store:  cfg.Store,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document writer: %w", err)
	}

	entitiesView, err := entities.NewView(entities.ViewConfig{
		Logger:              cfg.Logger,
		Clock:               cfg.Clock,
		Source:              cfg.Source,
		Writer:              writer,
		RefreshInterval:     cfg.RefreshInterval,
		AddressReferenceIDs: cfg.AddressReferenceIDs,
		RouterConfigIDs:     cfg.RouterConfigIDs,
		ServiceLineNumbers:  cfg.ServiceLineNumbers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create entities view: %w", err)
	}

	var points telemetry.PointSink
	if cfg.Influx != nil {
		points, err = telemetry.NewInfluxSink(telemetry.InfluxSinkConfig{
			Logger: cfg.Logger,
			Writer: cfg.Influx,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create influx sink: %w", err)
		}
	}

	telemetryView, err := telemetry.NewView(telemetry.ViewConfig{
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Source:          cfg.Source,
		Writer:          writer,
		RefreshInterval: cfg.TelemetryRefreshInterval,
		RetentionKeep:   cfg.RetentionKeep,
		BatchSize:       cfg.BatchSize,
		Commit:          cfg.Commit,
		Archiver:        cfg.Archiver,
		Points:          points,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry view: %w", err)
	}

	var sink telemetry.AggregateSink
	if cfg.ClickHouse != nil {
		sink, err = telemetry.NewClickHouseSink(telemetry.ClickHouseSinkConfig{
			Logger:     cfg.Logger,
			Clock:      cfg.Clock,
			ClickHouse: cfg.ClickHouse,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse sink: %w", err)
		}
	}

	aggregator, err := telemetry.NewAggregator(telemetry.AggregatorConfig{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Store:  cfg.Store,
		Sink:   sink,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}

	aggregationView, err := telemetry.NewAggregationView(telemetry.AggregationViewConfig{
		Logger:     cfg.Logger,
		Clock:      cfg.Clock,
		Aggregator: aggregator,
		Windows:    cfg.Windows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation view: %w", err)
	}

	return &Indexer{
		log: cfg.Logger,
		cfg: cfg,

		entities:    entitiesView,
		telemetry:   telemetryView,
		aggregation: aggregationView,
	}, nil
}

func (i *Indexer) Ready() bool {
	if i.cfg.SkipReadyWait {
		return true
	}
	return i.entities.Ready() && i.telemetry.Ready() && i.aggregation.Ready()
}

func (i *Indexer) Start(ctx context.Context) {
	i.startedAt = i.cfg.Clock.Now()
	i.entities.Start(ctx)
	i.telemetry.Start(ctx)
	i.aggregation.Start(ctx)
	i.log.Info("indexer: started", "account", i.cfg.Source.AccountNumber())
}

// StartedAt returns when Start was called.
func (i *Indexer) StartedAt() time.Time {
	return i.startedAt
}

func (i *Indexer) Close() error {
	var errs []error
	if i.cfg.Influx != nil {
		if err := i.cfg.Influx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close influx writer: %w", err))
		}
	}
	return errors.Join(errs...)
}
