package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

var (
	testNow = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	userTerminalColumns = []string{FieldDeviceType, FieldUtcTimestampNs, FieldDeviceID, FieldPingLatencyMsAvg, FieldSignalQuality, "RunningSoftwareVersion"}
	routerColumns       = []string{FieldDeviceType, FieldUtcTimestampNs, FieldDeviceID, "WifiIsBypassed", "InternetPingLatencyMs"}
)

func ns(t time.Time) int64 {
	return t.UnixNano()
}

func utRow(id string, ts time.Time, ping, signal float64) []any {
	return []any{DeviceTypeUserTerminal, ns(ts), id, ping, signal, "2026.01.1"}
}

func payloadJSON(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"values": rows,
			"columnNamesByDeviceType": map[string][]string{
				DeviceTypeUserTerminal: userTerminalColumns,
				DeviceTypeRouter:       routerColumns,
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func newTestWriter(t *testing.T, store docstore.Store) *docstore.Writer {
	t.Helper()
	w, err := docstore.NewWriter(docstore.WriterConfig{
		Logger: laketesting.NewLogger(),
		Store:  store,
		Clock:  clockwork.NewFakeClockAt(testNow),
	})
	require.NoError(t, err)
	return w
}

func newTestIngestor(t *testing.T, store docstore.Store, mutate func(*IngestorConfig)) *Ingestor {
	t.Helper()
	cfg := IngestorConfig{
		Logger: laketesting.NewLogger(),
		Writer: newTestWriter(t, store),
		Commit: CommitPolicy{InitialInterval: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	i, err := NewIngestor(cfg)
	require.NoError(t, err)
	return i
}

func recordIDs(t *testing.T, store docstore.Store, deviceDocID string) []string {
	t.Helper()
	var ids []string
	err := store.Stream(t.Context(), docstore.Query{Collection: RecordsCollection(deviceDocID)}, func(doc docstore.Document) error {
		ids = append(ids, doc.Ref.ID)
		return nil
	})
	require.NoError(t, err)
	return ids
}

// flakyStore fails the first failures batch commits, or every commit when failures is negative.
type flakyStore struct {
	docstore.Store
	mu       sync.Mutex
	failures int
	commits  int
	sizes    []int
}

func (s *flakyStore) NewBatch() docstore.Batch {
	return &flakyBatch{Batch: s.Store.NewBatch(), store: s}
}

func (s *flakyStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *flakyStore) Sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sizes...)
}

type flakyBatch struct {
	docstore.Batch
	store *flakyStore
}

var errCommitUnavailable = errors.New("store unavailable")

func (b *flakyBatch) Commit(ctx context.Context) error {
	b.store.mu.Lock()
	b.store.commits++
	fail := b.store.failures != 0
	if b.store.failures > 0 {
		b.store.failures--
	}
	if !fail {
		b.store.sizes = append(b.store.sizes, b.Len())
	}
	b.store.mu.Unlock()
	if fail {
		return errCommitUnavailable
	}
	return b.Batch.Commit(ctx)
}
