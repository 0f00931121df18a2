package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/telemetry"
)

// AggregateAll computes every window once at the current minute. Windows without matching
// records are reported as nil. A failing window does not stop the others.
func AggregateAll(ctx context.Context, log *slog.Logger, clock clockwork.Clock, store docstore.Store, sink telemetry.AggregateSink, windows []telemetry.Window) ([]*telemetry.Aggregate, error) {
	if len(windows) == 0 {
		windows = telemetry.DefaultWindows
	}

	aggregator, err := telemetry.NewAggregator(telemetry.AggregatorConfig{
		Logger: log,
		Clock:  clock,
		Store:  store,
		Sink:   sink,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}

	out := make([]*telemetry.Aggregate, len(windows))
	var errs []error
	for i, w := range windows {
		agg, err := aggregator.AggregateWindow(ctx, w.Collection, w.Minutes)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to aggregate %s: %w", w.Collection, err))
			continue
		}
		out[i] = agg
		if agg == nil {
			log.Info("admin: no records in window", "collection", w.Collection)
			continue
		}
		log.Info("admin: aggregated window", "collection", w.Collection, "count", agg.Count, "doc", agg.DocID())
	}
	return out, errors.Join(errs...)
}
