package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/ingest"
	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

const viewType = "entities"

// Source is the subset of the enterprise API the entity sync reads from.
type Source interface {
	AccountNumber() string
	Accounts(ctx context.Context) ([]json.RawMessage, error)
	BillingCycles(ctx context.Context) ([]json.RawMessage, error)
	Addresses(ctx context.Context) ([]json.RawMessage, error)
	Address(ctx context.Context, referenceID string) (json.RawMessage, error)
	RouterConfigs(ctx context.Context) ([]json.RawMessage, error)
	RouterConfig(ctx context.Context, configID string) (json.RawMessage, error)
	ServiceLines(ctx context.Context) ([]json.RawMessage, error)
	ServiceLine(ctx context.Context, serviceLineNumber string) (json.RawMessage, error)
	UserTerminals(ctx context.Context) ([]json.RawMessage, error)
}

type ViewConfig struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Source          Source
	Writer          *docstore.Writer
	RefreshInterval time.Duration

	// Ids fetched individually by the single-entity steps. An empty list skips the step.
	AddressReferenceIDs []string
	RouterConfigIDs     []string
	ServiceLineNumbers  []string
}

func (cfg *ViewConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Source.AccountNumber() == "" {
		return errors.New("account number is required")
	}
	if cfg.Writer == nil {
		return errors.New("document writer is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// View syncs account, billing, address, router, service line and user terminal entities.
// Each step runs in isolation so one failing endpoint does not block the others.
type View struct {
	log       *slog.Logger
	cfg       ViewConfig
	store     *Store
	readyOnce sync.Once
	readyCh   chan struct{}
	refreshMu sync.Mutex
}

func NewView(cfg ViewConfig) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewStore(StoreConfig{
		Logger: cfg.Logger,
		Writer: cfg.Writer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &View{
		log:     cfg.Logger,
		cfg:     cfg,
		store:   store,
		readyCh: make(chan struct{}),
	}, nil
}

func (v *View) Store() *Store {
	return v.store
}

func (v *View) Ready() bool {
	select {
	case <-v.readyCh:
		return true
	default:
		return false
	}
}

func (v *View) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for entities view: %w", ctx.Err())
	}
}

func (v *View) Start(ctx context.Context) {
	go func() {
		v.log.Info("entities: starting refresh loop", "interval", v.cfg.RefreshInterval)

		if err := v.Refresh(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			v.log.Error("entities: initial refresh failed", "error", err)
		}
		ticker := v.cfg.Clock.NewTicker(v.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := v.Refresh(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					v.log.Error("entities: refresh failed", "error", err)
				}
			}
		}
	}()
}

// Refresh runs every entity step once. A refresh that overlaps a running one is skipped.
func (v *View) Refresh(ctx context.Context) error {
	if !v.refreshMu.TryLock() {
		v.log.Warn("entities: refresh already in progress, skipping")
		return nil
	}
	defer v.refreshMu.Unlock()

	refreshStart := time.Now()
	v.log.Debug("entities: refresh started", "start_time", refreshStart)
	defer func() {
		duration := time.Since(refreshStart)
		v.log.Info("entities: refresh completed", "duration", duration.String())
		metrics.ViewRefreshDuration.WithLabelValues(viewType).Observe(duration.Seconds())
	}()

	account := v.cfg.Source.AccountNumber()
	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"accounts", v.listStep(v.cfg.Source.Accounts, v.store.StoreAccounts)},
		{"billing_cycles", v.listStep(v.cfg.Source.BillingCycles, func(ctx context.Context, r []map[string]any) (SyncResult, error) {
			return v.store.StoreBillingRecords(ctx, account, r)
		})},
		{"addresses", v.listStep(v.cfg.Source.Addresses, v.store.StoreAddresses)},
		{"single_address", v.singleStep(v.cfg.AddressReferenceIDs, v.cfg.Source.Address, v.store.StoreSingleAddress)},
		{"router_configs", v.listStep(v.cfg.Source.RouterConfigs, v.store.StoreRouterConfigs)},
		{"single_router_config", v.singleStep(v.cfg.RouterConfigIDs, v.cfg.Source.RouterConfig, v.store.StoreSingleRouterConfig)},
		{"service_lines", v.listStep(v.cfg.Source.ServiceLines, v.store.StoreServiceLines)},
		{"single_service_line", v.singleStep(v.cfg.ServiceLineNumbers, v.cfg.Source.ServiceLine, v.store.StoreSingleServiceLine)},
		{"user_terminals", v.listStep(v.cfg.Source.UserTerminals, v.store.StoreUserTerminals)},
	}

	var errs []error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ingest.RunStep(ctx, v.log, step.name, step.run); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	v.readyOnce.Do(func() {
		close(v.readyCh)
		v.log.Info("entities: view is now ready")
	})

	if len(errs) > 0 {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return errors.Join(errs...)
	}
	metrics.ViewRefreshTotal.WithLabelValues(viewType, "success").Inc()
	return nil
}

// listStep fetches a paginated list and stores every record in it.
func (v *View) listStep(
	fetch func(context.Context) ([]json.RawMessage, error),
	store func(context.Context, []map[string]any) (SyncResult, error),
) func(context.Context) error {
	return func(ctx context.Context) error {
		raw, err := fetch(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch: %w", err)
		}
		records, skipped := v.decodeRecords(raw)
		res, err := store(ctx, records)
		res.Skipped += skipped
		v.log.Info("entities: stored records", "fetched", len(raw), "written", res.Written, "unchanged", res.Unchanged, "skipped", res.Skipped)
		if err != nil {
			return fmt.Errorf("failed to store records: %w", err)
		}
		return nil
	}
}

// singleStep fetches and stores each configured id individually.
func (v *View) singleStep(
	ids []string,
	fetch func(context.Context, string) (json.RawMessage, error),
	store func(context.Context, map[string]any) (Outcome, error),
) func(context.Context) error {
	return func(ctx context.Context) error {
		if len(ids) == 0 {
			v.log.Debug("entities: no ids configured, nothing to fetch")
			return nil
		}
		var errs []error
		for _, id := range ids {
			raw, err := fetch(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to fetch %s: %w", id, err))
				continue
			}
			doc, err := docstore.DecodeDocument(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to decode %s: %w", id, err))
				continue
			}
			outcome, err := store(ctx, doc)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to store %s: %w", id, err))
				continue
			}
			v.log.Info("entities: stored single record", "id", id, "outcome", outcome.String())
		}
		return errors.Join(errs...)
	}
}

// decodeRecords decodes each raw record as an object. Records that are not objects are
// logged and counted as skipped.
func (v *View) decodeRecords(raw []json.RawMessage) ([]map[string]any, int) {
	records := make([]map[string]any, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		doc, err := docstore.DecodeDocument(r)
		if err != nil || doc == nil {
			v.log.Warn("entities: record is not an object, skipping", "error", err)
			skipped++
			continue
		}
		records = append(records, doc)
	}
	return records, skipped
}
