package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/indexer"
	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

type fakeReadiness struct {
	ready atomic.Bool
}

func (f *fakeReadiness) Ready() bool { return f.ready.Load() }

type emptySource struct{}

func (emptySource) AccountNumber() string { return "ACC-1" }

func (emptySource) Accounts(ctx context.Context) ([]json.RawMessage, error)      { return nil, nil }
func (emptySource) BillingCycles(ctx context.Context) ([]json.RawMessage, error) { return nil, nil }
func (emptySource) Addresses(ctx context.Context) ([]json.RawMessage, error)     { return nil, nil }
func (emptySource) RouterConfigs(ctx context.Context) ([]json.RawMessage, error) { return nil, nil }
func (emptySource) ServiceLines(ctx context.Context) ([]json.RawMessage, error)  { return nil, nil }
func (emptySource) UserTerminals(ctx context.Context) ([]json.RawMessage, error) { return nil, nil }

func (emptySource) Address(ctx context.Context, id string) (json.RawMessage, error) {
	return nil, errors.New("not found")
}

func (emptySource) RouterConfig(ctx context.Context, id string) (json.RawMessage, error) {
	return nil, errors.New("not found")
}

func (emptySource) ServiceLine(ctx context.Context, id string) (json.RawMessage, error) {
	return nil, errors.New("not found")
}

func (emptySource) Telemetry(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"data":{"values":[],"columnNamesByDeviceType":{}}}`), nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestFleetLake_Server_Router(t *testing.T) {
	t.Parallel()

	t.Run("healthz always ok", func(t *testing.T) {
		t.Parallel()
		h := newRouter(laketesting.NewLogger(), &fakeReadiness{}, VersionInfo{}, false)
		rec := get(t, h, "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "ok", rec.Body.String())
	})

	t.Run("readyz follows readiness", func(t *testing.T) {
		t.Parallel()
		ready := &fakeReadiness{}
		h := newRouter(laketesting.NewLogger(), ready, VersionInfo{}, false)

		require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)

		ready.ready.Store(true)
		require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
	})

	t.Run("version", func(t *testing.T) {
		t.Parallel()
		want := VersionInfo{Version: "1.2.3", Commit: "abc", Date: "2026-03-01"}
		h := newRouter(laketesting.NewLogger(), &fakeReadiness{}, want, false)
		rec := get(t, h, "/version")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var got VersionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Equal(t, want, got)
	})

	t.Run("unknown route", func(t *testing.T) {
		t.Parallel()
		h := newRouter(laketesting.NewLogger(), &fakeReadiness{}, VersionInfo{}, false)
		require.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)
	})
}

func TestFleetLake_Server_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("missing listen addr", func(t *testing.T) {
		t.Parallel()
		cfg := Config{}
		require.ErrorContains(t, cfg.Validate(), "listen addr is required")
	})

	t.Run("defaults timeouts", func(t *testing.T) {
		t.Parallel()
		cfg := Config{ListenAddr: "127.0.0.1:0"}
		require.NoError(t, cfg.Validate())
		require.Equal(t, 30*time.Second, cfg.ReadHeaderTimeout)
		require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	})

	t.Run("invalid indexer config", func(t *testing.T) {
		t.Parallel()
		_, err := New(t.Context(), Config{ListenAddr: "127.0.0.1:0"})
		require.ErrorContains(t, err, "failed to create indexer")
	})
}

func TestFleetLake_Server_Serve(t *testing.T) {
	t.Parallel()

	srv, err := New(t.Context(), Config{
		ListenAddr: "127.0.0.1:0",
		IndexerConfig: indexer.Config{
			Logger:          laketesting.NewLogger(),
			Clock:           clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)),
			Store:           docstore.NewMemoryStore(),
			Source:          emptySource{},
			RefreshInterval: time.Minute,
		},
	})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.serve(ctx, listener)
	}()

	url := "http://" + listener.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
