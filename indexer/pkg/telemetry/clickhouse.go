package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/indexer/pkg/clickhouse"
	"github.com/malbeclabs/fleetlake/indexer/pkg/clickhouse/dataset"
)

type aggregateSchema struct{}

func (aggregateSchema) Name() string { return "telemetry_window_aggregates" }

func (aggregateSchema) Columns() []string {
	return []string{
		"window_end:DateTime64(3)",
		"ingested_at:DateTime64(3)",
		"collection:VARCHAR",
		"window_minutes:UInt32",
		"record_count:UInt64",
		"avg_ping_ms:Float64",
		"avg_signal:Float64",
	}
}

func (aggregateSchema) UniqueKeyColumns() []string   { return []string{"collection", "window_end"} }
func (aggregateSchema) TimeColumn() string           { return "window_end" }
func (aggregateSchema) PartitionByTime() bool        { return true }
func (aggregateSchema) DedupMode() dataset.DedupMode { return dataset.DedupReplacing }
func (aggregateSchema) DedupVersionColumn() string   { return "ingested_at" }

type ClickHouseSinkConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	ClickHouse clickhouse.Client
}

func (cfg *ClickHouseSinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ClickHouseSink appends every aggregate to fact_telemetry_window_aggregates. Rewrites of
// the same window collapse on (collection, window_end), keeping the latest ingested_at.
type ClickHouseSink struct {
	log     *slog.Logger
	cfg     ClickHouseSinkConfig
	dataset *dataset.FactDataset
}

func NewClickHouseSink(cfg ClickHouseSinkConfig) (*ClickHouseSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := dataset.NewFactDataset(cfg.Logger, aggregateSchema{})
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate dataset: %w", err)
	}
	return &ClickHouseSink{
		log:     cfg.Logger,
		cfg:     cfg,
		dataset: ds,
	}, nil
}

func (s *ClickHouseSink) WriteAggregate(ctx context.Context, agg Aggregate) error {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	ingestedAt := s.cfg.Clock.Now().UTC()
	return s.dataset.WriteBatch(ctx, conn, 1, func(int) ([]any, error) {
		return []any{
			agg.Timestamp.UTC(),
			ingestedAt,
			agg.Collection,
			uint32(agg.Minutes),
			uint64(agg.Count),
			agg.AvgPing,
			agg.AvgSignal,
		}, nil
	})
}
