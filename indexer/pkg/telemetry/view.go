package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/ingest"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

const viewType = "telemetry"

// Source pulls one telemetry stream payload.
type Source interface {
	Telemetry(ctx context.Context) (json.RawMessage, error)
}

// Archiver keeps a copy of each raw payload.
type Archiver interface {
	Archive(ctx context.Context, payload []byte, fetchedAt time.Time) error
}

// PointSink mirrors ingested records to a time series store.
type PointSink interface {
	WriteRecords(ctx context.Context, records []Record) error
}

type ViewConfig struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Source          Source
	Writer          *docstore.Writer
	RefreshInterval time.Duration
	RetentionKeep   int
	BatchSize       int
	Commit          CommitPolicy

	// Optional.
	Archiver Archiver
	Points   PointSink
}

func (cfg *ViewConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Writer == nil {
		return errors.New("document writer is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.RetentionKeep < 0 {
		return errors.New("retention keep must be non-negative")
	}
	if cfg.RetentionKeep == 0 {
		cfg.RetentionKeep = DefaultRetentionKeep
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// View runs the telemetry cycle: fetch, archive, ingest, prune touched devices, mirror.
type View struct {
	log       *slog.Logger
	cfg       ViewConfig
	ingestor  *Ingestor
	pruner    *Pruner
	readyOnce sync.Once
	readyCh   chan struct{}
	refreshMu sync.Mutex
}

func NewView(cfg ViewConfig) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ingestor, err := NewIngestor(IngestorConfig{
		Logger:    cfg.Logger,
		Writer:    cfg.Writer,
		BatchSize: cfg.BatchSize,
		Commit:    cfg.Commit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestor: %w", err)
	}

	pruner, err := NewPruner(PrunerConfig{
		Logger:    cfg.Logger,
		Store:     cfg.Writer.Store(),
		BatchSize: cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pruner: %w", err)
	}

	return &View{
		log:      cfg.Logger,
		cfg:      cfg,
		ingestor: ingestor,
		pruner:   pruner,
		readyCh:  make(chan struct{}),
	}, nil
}

func (v *View) Ready() bool {
	select {
	case <-v.readyCh:
		return true
	default:
		return false
	}
}

func (v *View) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for telemetry view: %w", ctx.Err())
	}
}

func (v *View) Start(ctx context.Context) {
	go func() {
		v.log.Info("telemetry: starting refresh loop", "interval", v.cfg.RefreshInterval)

		if err := v.Refresh(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			v.log.Error("telemetry: initial refresh failed", "error", err)
		}
		ticker := v.cfg.Clock.NewTicker(v.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := v.Refresh(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					v.log.Error("telemetry: refresh failed", "error", err)
				}
			}
		}
	}()
}

// Refresh runs one telemetry cycle. A refresh that overlaps a running one is skipped.
func (v *View) Refresh(ctx context.Context) error {
	if !v.refreshMu.TryLock() {
		v.log.Warn("telemetry: refresh already in progress, skipping")
		return nil
	}
	defer v.refreshMu.Unlock()

	refreshStart := time.Now()
	defer func() {
		duration := time.Since(refreshStart)
		v.log.Info("telemetry: refresh completed", "duration", duration.String())
		metrics.ViewRefreshDuration.WithLabelValues(viewType).Observe(duration.Seconds())
	}()

	err := ingest.RunStep(ctx, v.log, "telemetry", v.cycle)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return err
	}

	v.readyOnce.Do(func() {
		close(v.readyCh)
		v.log.Info("telemetry: view is now ready")
	})
	metrics.ViewRefreshTotal.WithLabelValues(viewType, "success").Inc()
	return nil
}

func (v *View) cycle(ctx context.Context) error {
	fetchedAt := v.cfg.Clock.Now()
	payload, err := v.cfg.Source.Telemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch telemetry: %w", err)
	}

	if v.cfg.Archiver != nil {
		if err := v.cfg.Archiver.Archive(ctx, payload, fetchedAt); err != nil {
			v.log.Warn("telemetry: failed to archive payload", "error", err)
		}
	}

	res, err := v.ingestor.Ingest(ctx, payload)
	if err != nil {
		return fmt.Errorf("failed to ingest telemetry: %w", err)
	}

	// Pruning only starts once every record write of the cycle is committed.
	var pruneErrs []error
	for _, device := range res.Devices {
		if _, err := v.pruner.Prune(ctx, device, v.cfg.RetentionKeep); err != nil {
			v.log.Error("telemetry: failed to prune device", "device", device, "error", err)
			pruneErrs = append(pruneErrs, err)
		}
	}

	if v.cfg.Points != nil && len(res.Records) > 0 {
		if err := v.cfg.Points.WriteRecords(ctx, res.Records); err != nil {
			v.log.Warn("telemetry: failed to mirror records", "records", len(res.Records), "error", err)
		}
	}

	return errors.Join(pruneErrs...)
}
