package starlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

const (
	DefaultRequestTimeout = 10 * time.Second

	// maxErrorBody bounds how much of a failed response body is kept in errors.
	maxErrorBody = 512
)

// Credentials supplies bearer tokens to the Client.
type Credentials interface {
	Credential(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type ClientConfig struct {
	Logger      *slog.Logger
	Credentials Credentials
	HTTPClient  *http.Client

	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Credentials == nil {
		return errors.New("credentials are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	return nil
}

// Response is a successful API response with its body fully read.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client issues authorized requests against the API. A 401 forces one token refresh and
// one retry of the same request.
type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Do sends a request with an optional JSON body. Non-2xx responses are returned as
// *RequestError; token failures as *AuthError.
func (c *Client) Do(ctx context.Context, method, url string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	token, err := c.cfg.Credentials.Credential(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, url, payload, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Info("starlink: access token rejected, refreshing", "method", method, "url", url)
		token, err = c.cfg.Credentials.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, method, url, payload, token)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := resp.Body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &RequestError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", bytes.TrimSpace(snippet)),
		}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, url string, payload []byte, token string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &RequestError{Method: method, URL: url, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, &RequestError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, &RequestError{Method: method, URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	c.log.Debug("starlink: request completed", "method", method, "url", url, "status", resp.StatusCode, "duration", time.Since(start))
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
