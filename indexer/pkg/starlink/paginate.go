package starlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

const (
	DefaultPageLimit = 50
	DefaultMaxPages  = 1000
)

// Doer is the request surface the Fetcher paginates over.
type Doer interface {
	Do(ctx context.Context, method, url string, body any) (*Response, error)
}

type FetcherConfig struct {
	Logger   *slog.Logger
	Client   Doer
	MaxPages int
}

func (cfg *FetcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return nil
}

// Fetcher walks paginated endpoints and flattens their differently shaped envelopes into
// one list of records.
type Fetcher struct {
	log *slog.Logger
	cfg FetcherConfig
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fetcher{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// FetchAll requests pages until the last one and returns every item. GET requests carry
// page/limit as query parameters, POST requests carry pageIndex/pageLimit in the JSON body.
// Initial page and limit may be supplied in params.
func (f *Fetcher) FetchAll(ctx context.Context, method, rawURL string, params map[string]any) ([]json.RawMessage, error) {
	pageKey, limitKey := "page", "limit"
	if method != http.MethodGet {
		pageKey, limitKey = "pageIndex", "pageLimit"
	}

	page := intParam(params, pageKey, 0)
	limit := intParam(params, limitKey, DefaultPageLimit)
	if limit <= 0 {
		return nil, fmt.Errorf("invalid page limit %d", limit)
	}

	var all []json.RawMessage
	for n := 0; ; n++ {
		if n >= f.cfg.MaxPages {
			return nil, fmt.Errorf("%w: %s after %d pages", ErrTooManyPages, rawURL, n)
		}

		reqParams := maps.Clone(params)
		if reqParams == nil {
			reqParams = make(map[string]any, 2)
		}
		reqParams[pageKey] = page
		reqParams[limitKey] = limit

		var (
			resp *Response
			err  error
		)
		if method == http.MethodGet {
			u, uerr := withQuery(rawURL, reqParams)
			if uerr != nil {
				return nil, uerr
			}
			resp, err = f.cfg.Client.Do(ctx, method, u, nil)
		} else {
			resp, err = f.cfg.Client.Do(ctx, method, rawURL, reqParams)
		}
		if err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(resp.Body) {
			return nil, &RequestError{Method: method, URL: rawURL, StatusCode: resp.StatusCode, Err: errors.New("response is not valid JSON")}
		}

		result := gjson.ParseBytes(resp.Body)
		items := extractItems(result)
		all = append(all, items...)

		f.log.Debug("starlink: fetched page", "url", rawURL, "page", page, "items", len(items))

		if isLastPage(result, len(items), limit) {
			break
		}
		page++
	}
	return all, nil
}

// extractItems finds the records in a page envelope. The first matching shape wins:
// results, content.results, non-empty items, non-empty data, a top-level array.
func extractItems(result gjson.Result) []json.RawMessage {
	var arr gjson.Result
	switch {
	case result.IsArray():
		arr = result
	case result.IsObject():
		if r := result.Get("results"); r.Exists() {
			arr = r
		} else if c := result.Get("content"); c.IsObject() {
			arr = c.Get("results")
		} else if r := result.Get("items"); nonEmptyArray(r) {
			arr = r
		} else if r := result.Get("data"); nonEmptyArray(r) {
			arr = r
		}
	}
	if !arr.IsArray() {
		return nil
	}

	elems := arr.Array()
	items := make([]json.RawMessage, 0, len(elems))
	for _, e := range elems {
		items = append(items, json.RawMessage(e.Raw))
	}
	return items
}

func nonEmptyArray(r gjson.Result) bool {
	return r.IsArray() && len(r.Array()) > 0
}

// isLastPage stops on a short page, or on content.isLastPage for content envelopes.
func isLastPage(result gjson.Result, n, limit int) bool {
	if result.IsObject() {
		if c := result.Get("content"); c.Exists() && c.Get("isLastPage").Bool() {
			return true
		}
	}
	return n < limit
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func withQuery(rawURL string, params map[string]any) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
