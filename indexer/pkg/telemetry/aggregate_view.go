package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/indexer/pkg/ingest"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

type AggregationViewConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Aggregator *Aggregator
	Windows    []Window
}

func (cfg *AggregationViewConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Aggregator == nil {
		return errors.New("aggregator is required")
	}
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultWindows
	}
	seen := make(map[string]bool, len(cfg.Windows))
	for _, w := range cfg.Windows {
		if w.Collection == "" {
			return errors.New("window collection is required")
		}
		if seen[w.Collection] {
			return fmt.Errorf("duplicate window collection %q", w.Collection)
		}
		seen[w.Collection] = true
		if w.Minutes <= 0 {
			return fmt.Errorf("window %s must span a positive number of minutes", w.Collection)
		}
		if w.Interval <= 0 {
			return fmt.Errorf("window %s refresh interval must be greater than 0", w.Collection)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// AggregationView recomputes each window on its own ticker.
type AggregationView struct {
	log       *slog.Logger
	cfg       AggregationViewConfig
	locks     map[string]*sync.Mutex
	pending   atomic.Int32
	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewAggregationView(cfg AggregationViewConfig) (*AggregationView, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	locks := make(map[string]*sync.Mutex, len(cfg.Windows))
	for _, w := range cfg.Windows {
		locks[w.Collection] = &sync.Mutex{}
	}
	v := &AggregationView{
		log:     cfg.Logger,
		cfg:     cfg,
		locks:   locks,
		readyCh: make(chan struct{}),
	}
	v.pending.Store(int32(len(cfg.Windows)))
	return v, nil
}

func (v *AggregationView) Ready() bool {
	select {
	case <-v.readyCh:
		return true
	default:
		return false
	}
}

func (v *AggregationView) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for aggregation view: %w", ctx.Err())
	}
}

func (v *AggregationView) Start(ctx context.Context) {
	for _, w := range v.cfg.Windows {
		go v.loop(ctx, w)
	}
}

func (v *AggregationView) loop(ctx context.Context, w Window) {
	v.log.Info("telemetry: starting aggregation loop", "collection", w.Collection, "interval", w.Interval)

	if err := v.RunWindow(ctx, w); errors.Is(err, context.Canceled) {
		return
	}
	if v.pending.Add(-1) == 0 {
		v.readyOnce.Do(func() {
			close(v.readyCh)
			v.log.Info("telemetry: aggregation view is now ready")
		})
	}

	ticker := v.cfg.Clock.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := v.RunWindow(ctx, w); errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

// RunWindow aggregates one window. A run that overlaps a running one for the same window
// is skipped.
func (v *AggregationView) RunWindow(ctx context.Context, w Window) error {
	mu, ok := v.locks[w.Collection]
	if !ok {
		return fmt.Errorf("unknown window %q", w.Collection)
	}
	if !mu.TryLock() {
		v.log.Warn("telemetry: aggregation already in progress, skipping", "collection", w.Collection)
		return nil
	}
	defer mu.Unlock()

	start := time.Now()
	label := "aggregate-" + w.Collection
	err := ingest.RunStep(ctx, v.log, "aggregate_"+w.Collection, func(ctx context.Context) error {
		_, err := v.cfg.Aggregator.AggregateWindow(ctx, w.Collection, w.Minutes)
		return err
	})
	metrics.ViewRefreshDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(label, "error").Inc()
		return err
	}
	metrics.ViewRefreshTotal.WithLabelValues(label, "success").Inc()
	return nil
}
