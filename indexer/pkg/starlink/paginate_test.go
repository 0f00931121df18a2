package starlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

type recordedCall struct {
	method string
	url    string
	body   map[string]any
}

// pageDoer serves pages from a function of the requested page index and limit.
type pageDoer struct {
	mu    sync.Mutex
	calls []recordedCall
	page  func(page, limit int) string
}

func (d *pageDoer) Do(ctx context.Context, method, rawURL string, body any) (*Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var page, limit int
	call := recordedCall{method: method, url: rawURL}
	if method == http.MethodGet {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		page, _ = strconv.Atoi(u.Query().Get("page"))
		limit, _ = strconv.Atoi(u.Query().Get("limit"))
	} else {
		m := body.(map[string]any)
		call.body = m
		page = m["pageIndex"].(int)
		limit = m["pageLimit"].(int)
	}
	d.calls = append(d.calls, call)
	return &Response{StatusCode: http.StatusOK, Body: []byte(d.page(page, limit))}, nil
}

func (d *pageDoer) Calls() []recordedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedCall(nil), d.calls...)
}

// itemsJSON renders n records numbered from start.
func itemsJSON(start, n int) string {
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf(`{"id":%d}`, start+i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// pagedItems splits total items into pages of the requested limit.
func pagedItems(total int, wrap func(items string) string) func(page, limit int) string {
	return func(page, limit int) string {
		start := page * limit
		n := min(limit, max(0, total-start))
		return wrap(itemsJSON(start, n))
	}
}

func newTestFetcher(t *testing.T, d Doer, maxPages int) *Fetcher {
	t.Helper()
	f, err := NewFetcher(FetcherConfig{Logger: laketesting.NewLogger(), Client: d, MaxPages: maxPages})
	require.NoError(t, err)
	return f
}

func TestFleetLake_Starlink_Fetcher_FetchAll(t *testing.T) {
	t.Parallel()

	t.Run("billing cycles 50/50/12 in three POST requests", func(t *testing.T) {
		t.Parallel()

		d := &pageDoer{page: pagedItems(112, func(items string) string {
			return `{"content":{"results":` + items + `,"isLastPage":false}}`
		})}
		f := newTestFetcher(t, d, 0)

		records, err := f.FetchAll(t.Context(), http.MethodPost, "https://example.test/billing-cycles/query", map[string]any{
			"previousBillingCycles": 8,
		})
		require.NoError(t, err)
		require.Len(t, records, 112)

		calls := d.Calls()
		require.Len(t, calls, 3)
		for i, c := range calls {
			require.Equal(t, i, c.body["pageIndex"])
			require.Equal(t, DefaultPageLimit, c.body["pageLimit"])
			require.Equal(t, 8, c.body["previousBillingCycles"])
		}
		require.Equal(t, int64(111), gjson.GetBytes(records[111], "id").Int())
	})

	t.Run("GET uses page and limit query parameters", func(t *testing.T) {
		t.Parallel()

		d := &pageDoer{page: pagedItems(120, func(items string) string {
			return `{"results":` + items + `}`
		})}
		f := newTestFetcher(t, d, 0)

		records, err := f.FetchAll(t.Context(), http.MethodGet, "https://example.test/accounts?x=1", nil)
		require.NoError(t, err)
		require.Len(t, records, 120)

		calls := d.Calls()
		require.Len(t, calls, 3)
		u, err := url.Parse(calls[2].url)
		require.NoError(t, err)
		require.Equal(t, "2", u.Query().Get("page"))
		require.Equal(t, "50", u.Query().Get("limit"))
		require.Equal(t, "1", u.Query().Get("x"))
	})

	t.Run("honors initial page and limit", func(t *testing.T) {
		t.Parallel()

		d := &pageDoer{page: pagedItems(25, func(items string) string { return items })}
		f := newTestFetcher(t, d, 0)

		records, err := f.FetchAll(t.Context(), http.MethodGet, "https://example.test/x", map[string]any{"page": 1, "limit": 10})
		require.NoError(t, err)
		require.Len(t, records, 15)
		require.Len(t, d.Calls(), 2)
	})

	t.Run("isLastPage stops on a full page", func(t *testing.T) {
		t.Parallel()

		d := &pageDoer{page: func(page, limit int) string {
			return `{"content":{"results":` + itemsJSON(page*limit, limit) + `,"isLastPage":` + strconv.FormatBool(page == 1) + `}}`
		}}
		f := newTestFetcher(t, d, 0)

		records, err := f.FetchAll(t.Context(), http.MethodGet, "https://example.test/x", nil)
		require.NoError(t, err)
		require.Len(t, records, 100)
		require.Len(t, d.Calls(), 2)
	})

	t.Run("fails after max pages", func(t *testing.T) {
		t.Parallel()

		d := &pageDoer{page: func(page, limit int) string { return itemsJSON(0, limit) }}
		f := newTestFetcher(t, d, 3)

		_, err := f.FetchAll(t.Context(), http.MethodGet, "https://example.test/x", nil)
		require.True(t, errors.Is(err, ErrTooManyPages))
		require.Len(t, d.Calls(), 3)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		t.Parallel()

		d := &pageDoer{page: func(page, limit int) string { return `{"results":[` }}
		f := newTestFetcher(t, d, 0)

		_, err := f.FetchAll(t.Context(), http.MethodGet, "https://example.test/x", nil)
		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
	})
}

func TestFleetLake_Starlink_ExtractItems(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want []string
	}{
		{name: "results", body: `{"results":[{"a":1},{"a":2}]}`, want: []string{`{"a":1}`, `{"a":2}`}},
		{name: "results wins over items", body: `{"results":[{"a":1}],"items":[{"b":1}]}`, want: []string{`{"a":1}`}},
		{name: "null results", body: `{"results":null,"items":[{"b":1}]}`, want: nil},
		{name: "content results", body: `{"content":{"results":[{"c":1}],"isLastPage":true}}`, want: []string{`{"c":1}`}},
		{name: "content without results", body: `{"content":{"isLastPage":true}}`, want: nil},
		{name: "items", body: `{"items":[{"i":1}]}`, want: []string{`{"i":1}`}},
		{name: "empty items falls through to data", body: `{"items":[],"data":[{"d":1}]}`, want: []string{`{"d":1}`}},
		{name: "data", body: `{"data":[{"d":1},{"d":2}]}`, want: []string{`{"d":1}`, `{"d":2}`}},
		{name: "top-level array", body: `[{"t":1}]`, want: []string{`{"t":1}`}},
		{name: "unrecognized object", body: `{"foo":[1]}`, want: nil},
		{name: "scalar", body: `42`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := extractItems(gjson.Parse(tt.body))
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				require.JSONEq(t, tt.want[i], string(got[i]))
			}
		})
	}
}

func TestFleetLake_Starlink_IsLastPage(t *testing.T) {
	t.Parallel()

	require.True(t, isLastPage(gjson.Parse(`{"content":{"isLastPage":true}}`), 50, 50))
	require.False(t, isLastPage(gjson.Parse(`{"content":{"isLastPage":false}}`), 50, 50))
	require.True(t, isLastPage(gjson.Parse(`{"content":{"isLastPage":false}}`), 49, 50))
	require.True(t, isLastPage(gjson.Parse(`[]`), 0, 50))
	require.False(t, isLastPage(gjson.Parse(`{"results":[]}`), 50, 50))
}

func TestFleetLake_Starlink_IntParam(t *testing.T) {
	t.Parallel()

	require.Equal(t, 7, intParam(map[string]any{"page": 7}, "page", 0))
	require.Equal(t, 7, intParam(map[string]any{"page": json.Number("7")}, "page", 0))
	require.Equal(t, 7, intParam(map[string]any{"page": float64(7)}, "page", 0))
	require.Equal(t, 50, intParam(nil, "limit", 50))
	require.Equal(t, 50, intParam(map[string]any{"limit": "x"}, "limit", 50))
}
