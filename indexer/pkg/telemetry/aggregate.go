package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

// Window is a trailing aggregation window and how often it is recomputed.
type Window struct {
	Collection string
	Minutes    int
	Interval   time.Duration
}

func (w Window) Duration() time.Duration {
	return time.Duration(w.Minutes) * time.Minute
}

var DefaultWindows = []Window{
	{Collection: "telemetry_15m", Minutes: 15, Interval: time.Minute},
	{Collection: "telemetry_3h", Minutes: 180, Interval: 15 * time.Minute},
	{Collection: "telemetry_1d", Minutes: 1440, Interval: time.Hour},
	{Collection: "telemetry_7d", Minutes: 10080, Interval: 6 * time.Hour},
	{Collection: "telemetry_30d", Minutes: 43200, Interval: 24 * time.Hour},
}

// Aggregate is the summary of one window ending at Timestamp.
type Aggregate struct {
	Collection string
	Minutes    int
	Timestamp  time.Time
	Count      int
	AvgPing    float64
	AvgSignal  float64
}

// DocID is the window end in RFC 3339, which keys the aggregate document.
func (a Aggregate) DocID() string {
	return a.Timestamp.UTC().Format(time.RFC3339)
}

func (a Aggregate) Document() map[string]any {
	return map[string]any{
		"timestamp":  a.DocID(),
		"count":      a.Count,
		"avg_ping":   a.AvgPing,
		"avg_signal": a.AvgSignal,
	}
}

// AggregateSink receives every aggregate written to the document store.
type AggregateSink interface {
	WriteAggregate(ctx context.Context, agg Aggregate) error
}

type AggregatorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  docstore.Store

	// Sink is optional.
	Sink AggregateSink
}

func (cfg *AggregatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("document store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Aggregator computes trailing-window averages over every device's raw records.
type Aggregator struct {
	log *slog.Logger
	cfg AggregatorConfig
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// AggregateWindow averages PingLatencyMsAvg and SignalQuality over records whose timestamp
// falls in [end-minutes, end), where end is the current minute. It writes the result to
// collection keyed by end and returns it, or returns nil without writing when no record
// matched.
func (a *Aggregator) AggregateWindow(ctx context.Context, collection string, minutes int) (*Aggregate, error) {
	if collection == "" {
		return nil, errors.New("collection is required")
	}
	if minutes <= 0 {
		return nil, fmt.Errorf("window must be positive, got %d minutes", minutes)
	}

	end := a.cfg.Clock.Now().UTC().Truncate(time.Minute)
	start := end.Add(-time.Duration(minutes) * time.Minute)
	filters := []docstore.Filter{
		{Field: FieldTimestamp, Op: docstore.OpGTE, Value: start.Format(time.RFC3339)},
		{Field: FieldTimestamp, Op: docstore.OpLT, Value: end.Format(time.RFC3339)},
	}

	var devices []string
	err := a.cfg.Store.Stream(ctx, docstore.Query{Collection: CollectionRaw}, func(doc docstore.Document) error {
		devices = append(devices, doc.Ref.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var (
		totalPing   float64
		totalSignal float64
		count       int
	)
	for _, device := range devices {
		q := docstore.Query{Collection: RecordsCollection(device), Filters: filters}
		err := a.cfg.Store.Stream(ctx, q, func(doc docstore.Document) error {
			totalPing += toFloat(doc.Data[FieldPingLatencyMsAvg])
			totalSignal += toFloat(doc.Data[FieldSignalQuality])
			count++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan records for %s: %w", device, err)
		}
	}

	if count == 0 {
		metrics.AggregateWritesTotal.WithLabelValues(collection, "empty").Inc()
		a.log.Info("telemetry: no records in window", "collection", collection, "minutes", minutes, "end", end)
		return nil, nil
	}

	agg := &Aggregate{
		Collection: collection,
		Minutes:    minutes,
		Timestamp:  end,
		Count:      count,
		AvgPing:    totalPing / float64(count),
		AvgSignal:  totalSignal / float64(count),
	}

	ref := docstore.NewRef(collection, agg.DocID())
	if err := a.cfg.Store.Set(ctx, ref, agg.Document(), false); err != nil {
		return nil, fmt.Errorf("failed to write aggregate %s: %w", ref, err)
	}
	metrics.AggregateWritesTotal.WithLabelValues(collection, "written").Inc()
	a.log.Info("telemetry: aggregated window", "collection", collection, "minutes", minutes, "count", count, "avg_ping", agg.AvgPing, "avg_signal", agg.AvgSignal)

	if a.cfg.Sink != nil {
		if err := a.cfg.Sink.WriteAggregate(ctx, *agg); err != nil {
			return agg, fmt.Errorf("failed to mirror aggregate %s: %w", ref, err)
		}
	}
	return agg, nil
}

// toFloat coerces a stored value to a number. Missing and non-numeric values count as 0.
func toFloat(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}
	return 0
}
