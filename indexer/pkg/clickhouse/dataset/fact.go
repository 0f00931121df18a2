package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

type DedupMode string

const (
	DedupNone      DedupMode = "none"
	DedupReplacing DedupMode = "replacing"
)

// FactDataset writes rows into the fact_ table described by a FactSchema.
type FactDataset struct {
	log    *slog.Logger
	schema FactSchema
	cols   []string

	// WriteBatchSize caps rows per INSERT. Zero means defaultWriteBatchSize.
	WriteBatchSize int
}

func NewFactDataset(log *slog.Logger, schema FactSchema) (*FactDataset, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if schema.Name() == "" {
		return nil, errors.New("table name is required")
	}
	if len(schema.Columns()) == 0 {
		return nil, errors.New("columns are required")
	}

	cols, err := extractColumnNames(schema.Columns())
	if err != nil {
		return nil, fmt.Errorf("failed to extract column names: %w", err)
	}

	if tc := schema.TimeColumn(); tc != "" && !slices.Contains(cols, tc) {
		return nil, fmt.Errorf("time column %q must be one of the columns", tc)
	}
	if schema.TimeColumn() == "" && schema.PartitionByTime() {
		return nil, errors.New("time column is required when partition by time is true")
	}
	for _, key := range schema.UniqueKeyColumns() {
		if !slices.Contains(cols, key) {
			return nil, fmt.Errorf("unique key column %q must be a subset of columns", key)
		}
	}
	if schema.DedupMode() == DedupReplacing {
		vc := schema.DedupVersionColumn()
		if vc == "" {
			return nil, errors.New("dedup version column is required when dedup mode is replacing")
		}
		if !slices.Contains(cols, vc) {
			return nil, fmt.Errorf("dedup version column %q must be one of the columns", vc)
		}
	}

	return &FactDataset{
		log:    log,
		schema: schema,
		cols:   cols,
	}, nil
}

func (f *FactDataset) TableName() string {
	return "fact_" + f.schema.Name()
}

// ColumnNames returns the column order rows must follow.
func (f *FactDataset) ColumnNames() []string {
	return slices.Clone(f.cols)
}

func (f *FactDataset) insertSQL() string {
	return fmt.Sprintf("INSERT INTO %s (%s)", f.TableName(), strings.Join(f.cols, ", "))
}
