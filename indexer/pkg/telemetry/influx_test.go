package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/stretchr/testify/require"

	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

type fakeInfluxWriter struct {
	mu     sync.Mutex
	points []*influxdb3.Point
	writes int
	err    error
}

func (w *fakeInfluxWriter) WritePoints(ctx context.Context, points []*influxdb3.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, points...)
	return nil
}

func (w *fakeInfluxWriter) Close() error { return nil }

func TestFleetLake_Telemetry_InfluxSink_WriteRecords(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 11, 50, 0, 0, time.UTC)
	timestamped := Record{
		DeviceDocID: "utX",
		DocID:       "1772365800000000000",
		Row: Row{
			DeviceType:  DeviceTypeUserTerminal,
			DeviceID:    "X",
			TimestampNs: "1772365800000000000",
			Fields: map[string]any{
				FieldDeviceType:       DeviceTypeUserTerminal,
				FieldDeviceID:         "X",
				FieldUtcTimestampNs:   json.Number("1772365800000000000"),
				FieldTimestamp:        ts.Format(time.RFC3339),
				FieldPingLatencyMsAvg: json.Number("20.5"),
			},
		},
	}
	untimestamped := Record{
		DeviceDocID: "utX",
		DocID:       "gen-1",
		Row: Row{
			DeviceType: DeviceTypeUserTerminal,
			DeviceID:   "X",
			Fields:     map[string]any{FieldPingLatencyMsAvg: json.Number("21")},
		},
	}

	t.Run("writes timestamped records", func(t *testing.T) {
		t.Parallel()
		w := &fakeInfluxWriter{}
		sink, err := NewInfluxSink(InfluxSinkConfig{Logger: laketesting.NewLogger(), Writer: w})
		require.NoError(t, err)

		require.NoError(t, sink.WriteRecords(t.Context(), []Record{timestamped, untimestamped}))
		require.Equal(t, 1, w.writes)
		require.Len(t, w.points, 1)
	})

	t.Run("nothing to write", func(t *testing.T) {
		t.Parallel()
		w := &fakeInfluxWriter{}
		sink, err := NewInfluxSink(InfluxSinkConfig{Logger: laketesting.NewLogger(), Writer: w})
		require.NoError(t, err)

		require.NoError(t, sink.WriteRecords(t.Context(), []Record{untimestamped}))
		require.Zero(t, w.writes)
	})

	t.Run("writer failure", func(t *testing.T) {
		t.Parallel()
		w := &fakeInfluxWriter{err: errors.New("unavailable")}
		sink, err := NewInfluxSink(InfluxSinkConfig{Logger: laketesting.NewLogger(), Writer: w})
		require.NoError(t, err)

		require.ErrorContains(t, sink.WriteRecords(t.Context(), []Record{timestamped}), "unavailable")
	})

	t.Run("record with only identity fields", func(t *testing.T) {
		t.Parallel()
		rec := timestamped
		rec.Row.Fields = map[string]any{FieldDeviceID: "X", FieldUtcTimestampNs: json.Number("1")}
		require.Nil(t, recordPoint(rec))
	})

	t.Run("missing writer", func(t *testing.T) {
		t.Parallel()
		_, err := NewInfluxSink(InfluxSinkConfig{Logger: laketesting.NewLogger()})
		require.Error(t, err)
	})
}

func TestFleetLake_Telemetry_PointField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
		ok   bool
	}{
		{name: "integer number", in: json.Number("42"), want: int64(42), ok: true},
		{name: "float number", in: json.Number("1.5"), want: 1.5, ok: true},
		{name: "bool", in: true, want: true, ok: true},
		{name: "string", in: "2026.01.1", want: "2026.01.1", ok: true},
		{name: "empty string", in: "", ok: false},
		{name: "nil", in: nil, ok: false},
		{name: "nested", in: map[string]any{"a": 1}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := pointField(tt.in)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}
