package starlink

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

const DefaultTokenURL = "https://api.starlink.com/auth/connect/token"

type TokenManagerConfig struct {
	Logger       *slog.Logger
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
}

func (cfg *TokenManagerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClientID == "" {
		return errors.New("client id is required")
	}
	if cfg.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return nil
}

// TokenManager caches a single bearer token. There is no expiry tracking; callers force a
// refresh when the API rejects the current token.
type TokenManager struct {
	log   *slog.Logger
	cfg   TokenManagerConfig
	oauth clientcredentials.Config
	group singleflight.Group
	mu    sync.Mutex
	token string
}

func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TokenManager{
		log: cfg.Logger,
		cfg: cfg,
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}, nil
}

// Credential returns the cached token, fetching one first if none is cached.
func (m *TokenManager) Credential(ctx context.Context) (string, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return m.Refresh(ctx)
}

// Refresh requests a new token and replaces the cached one. Concurrent callers share a
// single identity call.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("token", func() (any, error) {
		return m.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) fetch(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	tok, err := m.oauth.Token(ctx)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		m.log.Error("starlink: failed to fetch access token", "error", err)
		return "", &AuthError{Err: err}
	}
	if tok.AccessToken == "" {
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		return "", &AuthError{Err: errors.New("access token not received in the response")}
	}

	m.mu.Lock()
	m.token = tok.AccessToken
	m.mu.Unlock()

	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	m.log.Info("starlink: access token updated")
	return tok.AccessToken, nil
}
