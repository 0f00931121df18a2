package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	FieldDeviceType     = "DeviceType"
	FieldDeviceID       = "DeviceId"
	FieldUtcTimestampNs = "UtcTimestampNs"
	FieldTimestamp      = "timestamp"

	FieldPingLatencyMsAvg = "PingLatencyMsAvg"
	FieldSignalQuality    = "SignalQuality"
)

var (
	ErrMissingDeviceID = errors.New("row has no device id")
	ErrMalformedRow    = errors.New("malformed telemetry row")
)

type fieldKind int

const (
	kindNumber fieldKind = iota
	kindInteger
	kindString
	kindBool
)

func (k fieldKind) String() string {
	switch k {
	case kindInteger:
		return "integer"
	case kindString:
		return "string"
	case kindBool:
		return "bool"
	default:
		return "number"
	}
}

var commonFields = map[string]fieldKind{
	FieldDeviceID:       kindString,
	FieldUtcTimestampNs: kindInteger,
}

var fieldsByDeviceType = map[string]map[string]fieldKind{
	DeviceTypeUserTerminal: {
		"DishPingDropRate":       kindNumber,
		"DishPingLatencyMs":      kindNumber,
		"DownlinkThroughput":     kindNumber,
		"UplinkThroughput":       kindNumber,
		"ObstructionPercentTime": kindNumber,
		"PingDropRateAvg":        kindNumber,
		FieldPingLatencyMsAvg:    kindNumber,
		FieldSignalQuality:       kindNumber,
		"RunningSoftwareVersion": kindString,
	},
	DeviceTypeRouter: {
		"InternetPingDropRate":  kindNumber,
		"InternetPingLatencyMs": kindNumber,
		"WifiPopPingDropRate":   kindNumber,
		"WifiPopPingLatencyMs":  kindNumber,
		"WifiHardwareVersion":   kindString,
		"WifiSoftwareVersion":   kindString,
		"WifiIsBypassed":        kindBool,
		"WifiIsRepeater":        kindBool,
	},
}

// Row is one decoded telemetry row.
type Row struct {
	DeviceType string
	DeviceID   string

	// TimestampNs is the UtcTimestampNs value in decimal, empty when absent or zero.
	TimestampNs string

	// Fields holds every column of the row plus the derived timestamp field.
	Fields map[string]any
}

// Time returns the row time at second precision, or false when the row has no timestamp.
func (r Row) Time() (time.Time, bool) {
	if r.TimestampNs == "" {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(r.TimestampNs, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(ns/int64(time.Second), 0).UTC(), true
}

// DecodeRow maps a row onto the column names of its device type. The first value is the
// device type discriminator. Columns beyond the shorter of the two lists are dropped.
// Known fields are checked against their kind; unknown columns pass through.
func DecodeRow(values []any, columnsByType map[string][]string) (Row, error) {
	if len(values) == 0 {
		return Row{}, fmt.Errorf("%w: empty row", ErrMalformedRow)
	}
	deviceType, ok := values[0].(string)
	if !ok {
		return Row{}, fmt.Errorf("%w: device type is %T, not a string", ErrMalformedRow, values[0])
	}

	columns := columnsByType[deviceType]
	n := min(len(columns), len(values))
	fields := make(map[string]any, n+1)
	for i := range n {
		fields[columns[i]] = values[i]
	}

	typed := fieldsByDeviceType[deviceType]
	for name, v := range fields {
		kind, known := commonFields[name]
		if !known {
			kind, known = typed[name]
		}
		if !known || v == nil {
			continue
		}
		norm, err := checkKind(v, kind)
		if err != nil {
			return Row{}, fmt.Errorf("%w: field %s: %v", ErrMalformedRow, name, err)
		}
		fields[name] = norm
	}

	row := Row{DeviceType: deviceType, Fields: fields}

	id, _ := fields[FieldDeviceID].(string)
	row.DeviceID = strings.TrimSpace(id)
	if row.DeviceID == "" {
		return row, ErrMissingDeviceID
	}

	if ts, ok := fields[FieldUtcTimestampNs].(json.Number); ok && ts.String() != "0" {
		row.TimestampNs = ts.String()
		if t, ok := row.Time(); ok {
			fields[FieldTimestamp] = t.Format(time.RFC3339)
		}
	}
	return row, nil
}

func checkKind(v any, kind fieldKind) (any, error) {
	switch kind {
	case kindNumber:
		switch t := v.(type) {
		case json.Number:
			if _, err := t.Float64(); err != nil {
				return nil, err
			}
			return t, nil
		case float64:
			return json.Number(strconv.FormatFloat(t, 'g', -1, 64)), nil
		}
	case kindInteger:
		switch t := v.(type) {
		case json.Number:
			if _, err := t.Int64(); err != nil {
				return nil, fmt.Errorf("want integer, got %s", t)
			}
			return t, nil
		case string:
			if _, err := strconv.ParseInt(t, 10, 64); err != nil {
				return nil, fmt.Errorf("want integer, got %q", t)
			}
			return json.Number(t), nil
		}
	case kindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("want %s, got %T", kind, v)
}
