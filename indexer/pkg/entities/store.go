package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
)

const (
	CollectionAccounts       = "accounts"
	CollectionBillingRecords = "billing_records"
	CollectionAddresses      = "addresses"
	CollectionRouterConfigs  = "router_configs"
	CollectionServiceLines   = "service_lines"
	CollectionUserTerminals  = "user_terminals"

	// routerConfigStampField records when a router config body last changed.
	routerConfigStampField = "lastUpdated"
)

// Outcome is the result of storing a single entity.
type Outcome int

const (
	Unchanged Outcome = iota
	Written
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case Skipped:
		return "skipped"
	default:
		return "unchanged"
	}
}

// SyncResult tallies the outcomes of storing a list of entities.
type SyncResult struct {
	Written   int
	Unchanged int
	Skipped   int
}

func (r *SyncResult) add(o Outcome) {
	switch o {
	case Written:
		r.Written++
	case Skipped:
		r.Skipped++
	default:
		r.Unchanged++
	}
}

type StoreConfig struct {
	Logger *slog.Logger
	Writer *docstore.Writer
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Writer == nil {
		return errors.New("document writer is required")
	}
	return nil
}

// Store maps API entities onto their documents. Every write goes through the writer's
// change detection.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Store) upsert(ctx context.Context, ref docstore.Ref, value map[string]any, opts ...docstore.UpsertOption) (Outcome, error) {
	wrote, err := s.cfg.Writer.UpsertIfChanged(ctx, ref, value, opts...)
	if err != nil {
		return Unchanged, err
	}
	if wrote {
		return Written, nil
	}
	return Unchanged, nil
}

func (s *Store) skip(kind string, attrs ...any) Outcome {
	s.log.Warn("entities: record missing natural key, skipping", append([]any{"kind", kind}, attrs...)...)
	return Skipped
}

// StoreAccount keeps the account name, number and region code.
func (s *Store) StoreAccount(ctx context.Context, account map[string]any) (Outcome, error) {
	number, ok := keyString(account["accountNumber"])
	if !ok {
		return s.skip(CollectionAccounts), nil
	}
	return s.upsert(ctx, docstore.NewRef(CollectionAccounts, number), map[string]any{
		"account_name":   account["accountName"],
		"account_number": account["accountNumber"],
		"region_code":    account["regionCode"],
	})
}

// StoreBillingRecord writes the record under its account and mirrors it into the flat
// billing_records collection.
func (s *Store) StoreBillingRecord(ctx context.Context, accountNumber string, record map[string]any) (Outcome, error) {
	serviceLine, ok := keyString(record["serviceLineNumber"])
	if !ok {
		return s.skip(CollectionBillingRecords, "field", "serviceLineNumber"), nil
	}
	start, ok := keyString(record["startDate"])
	if !ok {
		return s.skip(CollectionBillingRecords, "field", "startDate", "service_line", serviceLine), nil
	}
	end, ok := keyString(record["endDate"])
	if !ok {
		return s.skip(CollectionBillingRecords, "field", "endDate", "service_line", serviceLine), nil
	}

	period := start + "_" + end
	nested := docstore.NewRef(CollectionAccounts, accountNumber).Child("billing_records_"+serviceLine, period)
	nestedOutcome, err := s.upsert(ctx, nested, record)
	if err != nil {
		return Unchanged, err
	}

	flat := docstore.NewRef(CollectionBillingRecords, serviceLine+"_"+period)
	flatOutcome, err := s.upsert(ctx, flat, record)
	if err != nil {
		return Unchanged, err
	}

	if nestedOutcome == Written || flatOutcome == Written {
		return Written, nil
	}
	return Unchanged, nil
}

func (s *Store) StoreAddress(ctx context.Context, address map[string]any) (Outcome, error) {
	id, ok := keyString(address["addressReferenceId"])
	if !ok {
		return s.skip(CollectionAddresses), nil
	}
	return s.upsert(ctx, docstore.NewRef(CollectionAddresses, id), address)
}

// StoreSingleAddress stores a single-address response, unwrapping its content envelope and
// merging into any existing document.
func (s *Store) StoreSingleAddress(ctx context.Context, resp map[string]any) (Outcome, error) {
	address := unwrapContent(resp)
	id, ok := keyString(address["addressReferenceId"])
	if !ok {
		return s.skip(CollectionAddresses), nil
	}
	return s.upsert(ctx, docstore.NewRef(CollectionAddresses, id), address, docstore.WithMerge())
}

// StoreRouterConfig merges a listed router config so the configJSON and lastUpdated fields
// written by StoreSingleRouterConfig survive the next list sync.
func (s *Store) StoreRouterConfig(ctx context.Context, config map[string]any) (Outcome, error) {
	id, ok := keyString(config["configId"])
	if !ok {
		return s.skip(CollectionRouterConfigs), nil
	}
	return s.upsert(ctx, docstore.NewRef(CollectionRouterConfigs, id), config, docstore.WithMerge())
}

// StoreSingleRouterConfig parses the embedded routerConfigJson string and merges it into the
// config document as configJSON, stamping lastUpdated when it changes.
func (s *Store) StoreSingleRouterConfig(ctx context.Context, resp map[string]any) (Outcome, error) {
	config := unwrapContent(resp)
	id, ok := keyString(config["configId"])
	if !ok {
		return s.skip(CollectionRouterConfigs), nil
	}

	parsed, err := parseRouterConfigJSON(config["routerConfigJson"])
	if err != nil {
		return Unchanged, fmt.Errorf("failed to parse router config %s: %w", id, err)
	}

	return s.upsert(ctx, docstore.NewRef(CollectionRouterConfigs, id),
		map[string]any{"configJSON": parsed},
		docstore.WithMerge(), docstore.WithStampField(routerConfigStampField))
}

func (s *Store) StoreServiceLine(ctx context.Context, line map[string]any) (Outcome, error) {
	id, ok := keyString(line["serviceLineNumber"])
	if !ok {
		return s.skip(CollectionServiceLines), nil
	}
	return s.upsert(ctx, docstore.NewRef(CollectionServiceLines, id), line)
}

// StoreSingleServiceLine stores a single-service-line response, unwrapping its content
// envelope.
func (s *Store) StoreSingleServiceLine(ctx context.Context, resp map[string]any) (Outcome, error) {
	return s.StoreServiceLine(ctx, unwrapContent(resp))
}

func (s *Store) StoreUserTerminal(ctx context.Context, terminal map[string]any) (Outcome, error) {
	id, ok := keyString(terminal["userTerminalId"])
	if !ok {
		return s.skip(CollectionUserTerminals), nil
	}
	return s.upsert(ctx, docstore.NewRef(CollectionUserTerminals, id), terminal)
}

func (s *Store) StoreAccounts(ctx context.Context, records []map[string]any) (SyncResult, error) {
	return storeAll(ctx, records, s.StoreAccount)
}

func (s *Store) StoreBillingRecords(ctx context.Context, accountNumber string, records []map[string]any) (SyncResult, error) {
	return storeAll(ctx, records, func(ctx context.Context, r map[string]any) (Outcome, error) {
		return s.StoreBillingRecord(ctx, accountNumber, r)
	})
}

func (s *Store) StoreAddresses(ctx context.Context, records []map[string]any) (SyncResult, error) {
	return storeAll(ctx, records, s.StoreAddress)
}

func (s *Store) StoreRouterConfigs(ctx context.Context, records []map[string]any) (SyncResult, error) {
	return storeAll(ctx, records, s.StoreRouterConfig)
}

func (s *Store) StoreServiceLines(ctx context.Context, records []map[string]any) (SyncResult, error) {
	return storeAll(ctx, records, s.StoreServiceLine)
}

func (s *Store) StoreUserTerminals(ctx context.Context, records []map[string]any) (SyncResult, error) {
	return storeAll(ctx, records, s.StoreUserTerminal)
}

// storeAll stores every record. A failing record does not stop the rest; the failures are
// joined into the returned error.
func storeAll(ctx context.Context, records []map[string]any, store func(context.Context, map[string]any) (Outcome, error)) (SyncResult, error) {
	var (
		res  SyncResult
		errs []error
	)
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o, err := store(ctx, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.add(o)
	}
	return res, errors.Join(errs...)
}

// unwrapContent returns resp["content"] when it is an object, else resp itself.
func unwrapContent(resp map[string]any) map[string]any {
	if c, ok := resp["content"].(map[string]any); ok {
		return c
	}
	return resp
}

func parseRouterConfigJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]any{}, nil
		}
		dec := json.NewDecoder(strings.NewReader(t))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		// Already structured.
		return t, nil
	}
}

// keyString turns a natural key value into a document id. Empty and non-scalar values are
// rejected; slashes would create a nested path and are replaced.
func keyString(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return strings.ReplaceAll(s, "/", "_"), true
}
