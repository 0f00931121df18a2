package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

const (
	CollectionRaw     = "telemetry_raw"
	recordsCollection = "records"

	// MaxBatchSize caps telemetry write and delete batches. It is also the default.
	MaxBatchSize     = 200
	DefaultBatchSize = MaxBatchSize
)

// RecordsCollection returns the collection holding a device's telemetry records.
func RecordsCollection(deviceDocID string) string {
	return docstore.NewRef(CollectionRaw, deviceDocID).SubcollectionPath(recordsCollection)
}

// Record is a telemetry row as written to the store.
type Record struct {
	DeviceDocID string
	DocID       string
	Row         Row
}

// IngestResult describes one ingested payload.
type IngestResult struct {
	// Devices lists the device doc ids touched, in first-seen order.
	Devices []string
	Records []Record
	Written int
	Skipped int
}

type IngestorConfig struct {
	Logger    *slog.Logger
	Writer    *docstore.Writer
	BatchSize int
	Commit    CommitPolicy
}

func (cfg *IngestorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Writer == nil {
		return errors.New("document writer is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be at most %d", MaxBatchSize)
	}
	cfg.Commit.applyDefaults()
	return nil
}

// Ingestor appends telemetry rows as per-device record documents.
type Ingestor struct {
	log *slog.Logger
	cfg IngestorConfig
}

func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingestor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type payload struct {
	Data struct {
		Values                  [][]any             `json:"values"`
		ColumnNamesByDeviceType map[string][]string `json:"columnNamesByDeviceType"`
	} `json:"data"`
}

func decodePayload(raw []byte) (*payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry payload: %w", err)
	}
	return &p, nil
}

// Ingest writes every valid row of a telemetry stream payload. Rows without a device id
// and malformed rows are skipped. Writes are committed in batches of at most BatchSize.
// Records keyed by their nanosecond timestamp overwrite themselves on replay; rows without
// a timestamp get a generated id.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) (*IngestResult, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}

	store := i.cfg.Writer.Store()
	res := &IngestResult{}
	deviceTypes := make(map[string]string)

	batch := store.NewBatch()
	for _, values := range p.Data.Values {
		if len(values) == 0 {
			continue
		}

		row, err := DecodeRow(values, p.Data.ColumnNamesByDeviceType)
		if err != nil {
			res.Skipped++
			if errors.Is(err, ErrMissingDeviceID) {
				metrics.TelemetryRowsTotal.WithLabelValues("missing_device_id").Inc()
				i.log.Warn("telemetry: row missing device id, skipping", "device_type", row.DeviceType)
			} else {
				metrics.TelemetryRowsTotal.WithLabelValues("malformed").Inc()
				i.log.Warn("telemetry: malformed row, skipping", "error", err)
			}
			continue
		}

		deviceDocID := DeviceDocID(row.DeviceType, row.DeviceID)
		if _, seen := deviceTypes[deviceDocID]; !seen {
			deviceTypes[deviceDocID] = row.DeviceType
			res.Devices = append(res.Devices, deviceDocID)
		}

		docID := row.TimestampNs
		if docID == "" {
			docID = store.NewID()
		}

		batch.Set(docstore.NewRef(RecordsCollection(deviceDocID), docID), row.Fields)
		res.Records = append(res.Records, Record{DeviceDocID: deviceDocID, DocID: docID, Row: row})
		metrics.TelemetryRowsTotal.WithLabelValues("accepted").Inc()

		if batch.Len() >= i.cfg.BatchSize {
			if err := commitWithRetry(ctx, i.log, batch, i.cfg.Commit); err != nil {
				return res, err
			}
			res.Written += batch.Len()
			batch = store.NewBatch()
		}
	}
	if batch.Len() > 0 {
		if err := commitWithRetry(ctx, i.log, batch, i.cfg.Commit); err != nil {
			return res, err
		}
		res.Written += batch.Len()
	}

	for _, id := range res.Devices {
		ref := docstore.NewRef(CollectionRaw, id)
		if _, err := i.cfg.Writer.UpsertIfChanged(ctx, ref, map[string]any{
			"device_id":   id,
			"device_type": deviceTypes[id],
		}); err != nil {
			return res, fmt.Errorf("failed to write device document %s: %w", id, err)
		}
	}

	i.log.Info("telemetry: ingested payload", "rows", len(p.Data.Values), "written", res.Written, "skipped", res.Skipped, "devices", len(res.Devices))
	return res, nil
}
