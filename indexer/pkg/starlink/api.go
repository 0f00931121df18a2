package starlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	DefaultEnterpriseURL = "https://web-api.starlink.com/enterprise/v1"
	DefaultTelemetryURL  = "https://web-api.starlink.com/telemetry/stream/v1/telemetry"

	DefaultPreviousBillingCycles = 8
	DefaultTelemetryBatchSize    = 4000
	DefaultTelemetryMaxLingerMs  = 15000
)

type APIConfig struct {
	Logger        *slog.Logger
	Client        Doer
	Fetcher       *Fetcher
	AccountNumber string

	EnterpriseURL string
	TelemetryURL  string

	PreviousBillingCycles int
	TelemetryBatchSize    int
	TelemetryMaxLingerMs  int
}

func (cfg *APIConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.AccountNumber == "" {
		return errors.New("account number is required")
	}
	if cfg.Fetcher == nil {
		f, err := NewFetcher(FetcherConfig{Logger: cfg.Logger, Client: cfg.Client})
		if err != nil {
			return fmt.Errorf("failed to create fetcher: %w", err)
		}
		cfg.Fetcher = f
	}
	if cfg.EnterpriseURL == "" {
		cfg.EnterpriseURL = DefaultEnterpriseURL
	}
	cfg.EnterpriseURL = strings.TrimRight(cfg.EnterpriseURL, "/")
	if cfg.TelemetryURL == "" {
		cfg.TelemetryURL = DefaultTelemetryURL
	}
	if cfg.PreviousBillingCycles <= 0 {
		cfg.PreviousBillingCycles = DefaultPreviousBillingCycles
	}
	if cfg.TelemetryBatchSize <= 0 {
		cfg.TelemetryBatchSize = DefaultTelemetryBatchSize
	}
	if cfg.TelemetryMaxLingerMs <= 0 {
		cfg.TelemetryMaxLingerMs = DefaultTelemetryMaxLingerMs
	}
	return nil
}

// API exposes the enterprise and telemetry endpoints for one account.
type API struct {
	log *slog.Logger
	cfg APIConfig
}

func NewAPI(cfg APIConfig) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (a *API) AccountNumber() string {
	return a.cfg.AccountNumber
}

func (a *API) accountPath(segments ...string) string {
	parts := []string{a.cfg.EnterpriseURL, "account", url.PathEscape(a.cfg.AccountNumber)}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}

func (a *API) Accounts(ctx context.Context) ([]json.RawMessage, error) {
	return a.cfg.Fetcher.FetchAll(ctx, http.MethodGet, a.cfg.EnterpriseURL+"/accounts", nil)
}

func (a *API) BillingCycles(ctx context.Context) ([]json.RawMessage, error) {
	u := a.cfg.EnterpriseURL + "/accounts/" + url.PathEscape(a.cfg.AccountNumber) + "/billing-cycles/query"
	return a.cfg.Fetcher.FetchAll(ctx, http.MethodPost, u, map[string]any{
		"previousBillingCycles": a.cfg.PreviousBillingCycles,
	})
}

func (a *API) Addresses(ctx context.Context) ([]json.RawMessage, error) {
	return a.cfg.Fetcher.FetchAll(ctx, http.MethodGet, a.accountPath("addresses"), nil)
}

func (a *API) Address(ctx context.Context, referenceID string) (json.RawMessage, error) {
	return a.getObject(ctx, a.accountPath("addresses", referenceID))
}

func (a *API) RouterConfigs(ctx context.Context) ([]json.RawMessage, error) {
	return a.cfg.Fetcher.FetchAll(ctx, http.MethodGet, a.accountPath("routers", "configs"), nil)
}

func (a *API) RouterConfig(ctx context.Context, configID string) (json.RawMessage, error) {
	return a.getObject(ctx, a.accountPath("routers", "configs", configID))
}

func (a *API) ServiceLines(ctx context.Context) ([]json.RawMessage, error) {
	return a.cfg.Fetcher.FetchAll(ctx, http.MethodGet, a.accountPath("service-lines"), nil)
}

func (a *API) ServiceLine(ctx context.Context, serviceLineNumber string) (json.RawMessage, error) {
	return a.getObject(ctx, a.accountPath("service-lines", serviceLineNumber))
}

func (a *API) UserTerminals(ctx context.Context) ([]json.RawMessage, error) {
	return a.cfg.Fetcher.FetchAll(ctx, http.MethodGet, a.accountPath("user-terminals"), nil)
}

// Telemetry pulls one batch from the telemetry stream.
func (a *API) Telemetry(ctx context.Context) (json.RawMessage, error) {
	resp, err := a.cfg.Client.Do(ctx, http.MethodPost, a.cfg.TelemetryURL, map[string]any{
		"accountNumber": a.cfg.AccountNumber,
		"batchSize":     a.cfg.TelemetryBatchSize,
		"maxLingerMs":   a.cfg.TelemetryMaxLingerMs,
	})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, &RequestError{Method: http.MethodPost, URL: a.cfg.TelemetryURL, StatusCode: resp.StatusCode, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(resp.Body), nil
}

func (a *API) getObject(ctx context.Context, u string) (json.RawMessage, error) {
	resp, err := a.cfg.Client.Do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, &RequestError{Method: http.MethodGet, URL: u, StatusCode: resp.StatusCode, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(resp.Body), nil
}
