package dataset

import (
	"context"
	"fmt"

	"github.com/malbeclabs/fleetlake/indexer/pkg/clickhouse"
)

const defaultWriteBatchSize = 50_000

// WriteBatch inserts count rows produced by rowFn, in ColumnNames order. Rows are sent in
// sub-batches of at most WriteBatchSize.
func (f *FactDataset) WriteBatch(ctx context.Context, conn clickhouse.Connection, count int, rowFn func(int) ([]any, error)) error {
	if count == 0 {
		return nil
	}

	size := defaultWriteBatchSize
	if f.WriteBatchSize > 0 {
		size = f.WriteBatchSize
	}

	query := f.insertSQL()
	for start := 0; start < count; start += size {
		end := min(start+size, count)
		if err := f.writeRange(ctx, conn, query, start, end, rowFn); err != nil {
			return err
		}
		f.log.Debug("clickhouse: wrote fact rows", "table", f.TableName(), "start", start, "end", end, "total", count)
	}
	return nil
}

func (f *FactDataset) writeRange(ctx context.Context, conn clickhouse.Connection, query string, start, end int, rowFn func(int) ([]any, error)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled during batch insert: %w", err)
	}

	batch, err := conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch for %s: %w", f.TableName(), err)
	}

	for i := start; i < end; i++ {
		row, err := rowFn(i)
		if err != nil {
			batch.Close()
			return fmt.Errorf("failed to build row %d: %w", i, err)
		}
		if len(row) != len(f.cols) {
			batch.Close()
			return fmt.Errorf("row %d has %d columns, expected %d", i, len(row), len(f.cols))
		}
		if err := batch.Append(row...); err != nil {
			batch.Close()
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch for %s: %w", f.TableName(), err)
	}
	return nil
}
