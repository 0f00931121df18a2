package starlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

// fakeCredentials hands out tok-0, then tok-1, tok-2... on each refresh.
type fakeCredentials struct {
	mu        sync.Mutex
	refreshes int
	err       error
}

func (f *fakeCredentials) Credential(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("tok-%d", f.refreshes), nil
}

func (f *fakeCredentials) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.refreshes++
	return fmt.Sprintf("tok-%d", f.refreshes), nil
}

func (f *fakeCredentials) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func newTestClient(t *testing.T, creds Credentials, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Logger:      laketesting.NewLogger(),
		Credentials: creds,
		Timeout:     timeout,
	})
	require.NoError(t, err)
	return c
}

func TestFleetLake_Starlink_Client_Do(t *testing.T) {
	t.Parallel()

	t.Run("attaches bearer token and accept header", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "Bearer tok-0", r.Header.Get("Authorization"))
			require.Equal(t, "application/json", r.Header.Get("Accept"))
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		c := newTestClient(t, &fakeCredentials{}, 0)
		resp, err := c.Do(t.Context(), http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	})

	t.Run("sends json body", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "ACC-1", body["accountNumber"])
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		c := newTestClient(t, &fakeCredentials{}, 0)
		_, err := c.Do(t.Context(), http.MethodPost, srv.URL, map[string]any{"accountNumber": "ACC-1"})
		require.NoError(t, err)
	})

	t.Run("one 401 refreshes once and retries", func(t *testing.T) {
		t.Parallel()

		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			if r.Header.Get("Authorization") == "Bearer tok-0" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`[]`))
		}))
		defer srv.Close()

		creds := &fakeCredentials{}
		c := newTestClient(t, creds, 0)
		resp, err := c.Do(t.Context(), http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 1, creds.Refreshes())
		require.Equal(t, int32(2), requests.Load())
	})

	t.Run("two 401s fail without a third attempt", func(t *testing.T) {
		t.Parallel()

		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		creds := &fakeCredentials{}
		c := newTestClient(t, creds, 0)
		_, err := c.Do(t.Context(), http.MethodGet, srv.URL, nil)

		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
		require.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)
		require.Equal(t, 1, creds.Refreshes())
		require.Equal(t, int32(2), requests.Load())
	})

	t.Run("refresh failure surfaces the auth error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		creds := &fakeCredentials{err: &AuthError{Err: errors.New("identity down")}}
		c := newTestClient(t, creds, 0)
		_, err := c.Do(t.Context(), http.MethodGet, srv.URL, nil)

		var authErr *AuthError
		require.True(t, errors.As(err, &authErr))
	})

	t.Run("other statuses are request errors without refresh", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer srv.Close()

		creds := &fakeCredentials{}
		c := newTestClient(t, creds, 0)
		_, err := c.Do(t.Context(), http.MethodGet, srv.URL, nil)

		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
		require.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
		require.Equal(t, srv.URL, reqErr.URL)
		require.Contains(t, reqErr.Error(), "nope")
		require.Equal(t, 0, creds.Refreshes())
	})

	t.Run("network failure is a request error without status", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		c := newTestClient(t, &fakeCredentials{}, 0)
		_, err := c.Do(t.Context(), http.MethodGet, url, nil)

		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
		require.Equal(t, 0, reqErr.StatusCode)
	})

	t.Run("times out slow responses", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		c := newTestClient(t, &fakeCredentials{}, 20*time.Millisecond)
		_, err := c.Do(t.Context(), http.MethodGet, srv.URL, nil)

		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
