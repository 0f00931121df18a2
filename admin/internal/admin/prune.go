package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/telemetry"
)

type PruneConfig struct {
	Keep      int
	BatchSize int
	DryRun    bool
}

type PruneSummary struct {
	Devices int
	Deleted int
}

// PruneAll applies the retention bound to every device under telemetry_raw. In dry run
// mode it only counts the records that would be deleted.
func PruneAll(ctx context.Context, log *slog.Logger, store docstore.Store, cfg PruneConfig) (PruneSummary, error) {
	if cfg.Keep < 0 {
		return PruneSummary{}, fmt.Errorf("keep count must be non-negative, got %d", cfg.Keep)
	}

	pruner, err := telemetry.NewPruner(telemetry.PrunerConfig{
		Logger:    log,
		Store:     store,
		BatchSize: cfg.BatchSize,
	})
	if err != nil {
		return PruneSummary{}, fmt.Errorf("failed to create pruner: %w", err)
	}

	devices, err := listDevices(ctx, store)
	if err != nil {
		return PruneSummary{}, err
	}

	var summary PruneSummary
	for _, device := range devices {
		var deleted int
		if cfg.DryRun {
			n, err := countRecords(ctx, store, device)
			if err != nil {
				return summary, err
			}
			deleted = max(n-cfg.Keep, 0)
		} else {
			deleted, err = pruner.Prune(ctx, device, cfg.Keep)
			if err != nil {
				return summary, fmt.Errorf("failed to prune device %s: %w", device, err)
			}
		}
		summary.Devices++
		summary.Deleted += deleted
		log.Info("admin: pruned device", "device", device, "deleted", deleted, "dry_run", cfg.DryRun)
	}
	return summary, nil
}

func listDevices(ctx context.Context, store docstore.Store) ([]string, error) {
	var devices []string
	err := store.Stream(ctx, docstore.Query{Collection: telemetry.CollectionRaw}, func(doc docstore.Document) error {
		devices = append(devices, doc.Ref.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func countRecords(ctx context.Context, store docstore.Store, device string) (int, error) {
	var n int
	err := store.Stream(ctx, docstore.Query{Collection: telemetry.RecordsCollection(device)}, func(docstore.Document) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count records of device %s: %w", device, err)
	}
	return n, nil
}
