package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

const influxMeasurement = "starlink_telemetry"

// InfluxWriter is the subset of the InfluxDB 3 client used to mirror records.
type InfluxWriter interface {
	WritePoints(ctx context.Context, points []*influxdb3.Point) error
	Close() error
}

// SDKInfluxWriter implements InfluxWriter using the official InfluxDB 3 Go SDK.
type SDKInfluxWriter struct {
	client *influxdb3.Client
}

func NewSDKInfluxWriter(host, token, database string) (*SDKInfluxWriter, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     host,
		Token:    token,
		Database: database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return &SDKInfluxWriter{client: client}, nil
}

func (c *SDKInfluxWriter) WritePoints(ctx context.Context, points []*influxdb3.Point) error {
	return c.client.WritePoints(ctx, points)
}

func (c *SDKInfluxWriter) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	if err != nil && strings.Contains(err.Error(), "connection is closing") {
		return nil
	}
	return err
}

type InfluxSinkConfig struct {
	Logger *slog.Logger
	Writer InfluxWriter
}

func (cfg *InfluxSinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Writer == nil {
		return errors.New("influxdb writer is required")
	}
	return nil
}

// InfluxSink mirrors timestamped telemetry records as points tagged by device.
type InfluxSink struct {
	log *slog.Logger
	cfg InfluxSinkConfig
}

func NewInfluxSink(cfg InfluxSinkConfig) (*InfluxSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &InfluxSink{log: cfg.Logger, cfg: cfg}, nil
}

// WriteRecords writes one point per record. Records without a timestamp are not mirrored.
func (s *InfluxSink) WriteRecords(ctx context.Context, records []Record) error {
	points := make([]*influxdb3.Point, 0, len(records))
	for _, rec := range records {
		if p := recordPoint(rec); p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.cfg.Writer.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("failed to write %d points: %w", len(points), err)
	}
	s.log.Debug("telemetry: mirrored records to influxdb", "points", len(points))
	return nil
}

func recordPoint(rec Record) *influxdb3.Point {
	if rec.Row.TimestampNs == "" {
		return nil
	}
	ns, err := json.Number(rec.Row.TimestampNs).Int64()
	if err != nil {
		return nil
	}

	p := influxdb3.NewPointWithMeasurement(influxMeasurement).
		SetTag("device", rec.DeviceDocID).
		SetTag("device_type", rec.Row.DeviceType).
		SetTimestamp(time.Unix(0, ns).UTC())

	fields := 0
	for name, v := range rec.Row.Fields {
		switch name {
		case FieldDeviceType, FieldDeviceID, FieldUtcTimestampNs, FieldTimestamp:
			continue
		}
		if fv, ok := pointField(v); ok {
			p.SetField(name, fv)
			fields++
		}
	}
	if fields == 0 {
		return nil
	}
	return p
}

func pointField(v any) (any, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		f, err := t.Float64()
		return f, err == nil
	case float64, int64, bool:
		return t, true
	case string:
		if t == "" {
			return nil, false
		}
		return t, true
	}
	return nil, false
}
