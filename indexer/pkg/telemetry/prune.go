package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

const DefaultRetentionKeep = 30

type PrunerConfig struct {
	Logger    *slog.Logger
	Store     docstore.Store
	BatchSize int
}

func (cfg *PrunerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("document store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be at most %d", MaxBatchSize)
	}
	return nil
}

// Pruner bounds the number of telemetry records kept per device.
type Pruner struct {
	log *slog.Logger
	cfg PrunerConfig
}

func NewPruner(cfg PrunerConfig) (*Pruner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pruner{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Prune deletes every record of the device except the keep newest by UtcTimestampNs.
// Records without UtcTimestampNs order after all timestamped records, so they go first.
func (p *Pruner) Prune(ctx context.Context, deviceDocID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep count must be non-negative, got %d", keep)
	}

	q := docstore.Query{
		Collection: RecordsCollection(deviceDocID),
		OrderBy:    FieldUtcTimestampNs,
		Descending: true,
		Offset:     keep,
	}

	deleted := 0
	batch := p.cfg.Store.NewBatch()
	err := p.cfg.Store.Stream(ctx, q, func(doc docstore.Document) error {
		batch.Delete(doc.Ref)
		if batch.Len() >= p.cfg.BatchSize {
			if err := batch.Commit(ctx); err != nil {
				return fmt.Errorf("failed to commit delete batch: %w", err)
			}
			deleted += batch.Len()
			batch = p.cfg.Store.NewBatch()
		}
		return nil
	})
	if err != nil {
		metrics.TelemetryPrunedTotal.Add(float64(deleted))
		return deleted, fmt.Errorf("failed to prune records for %s: %w", deviceDocID, err)
	}
	if batch.Len() > 0 {
		if err := batch.Commit(ctx); err != nil {
			metrics.TelemetryPrunedTotal.Add(float64(deleted))
			return deleted, fmt.Errorf("failed to commit delete batch for %s: %w", deviceDocID, err)
		}
		deleted += batch.Len()
	}

	metrics.TelemetryPrunedTotal.Add(float64(deleted))
	p.log.Debug("telemetry: pruned old records", "device", deviceDocID, "deleted", deleted, "kept", keep)
	return deleted, nil
}
