package entities

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

// fakeSource serves canned JSON per endpoint and counts calls.
type fakeSource struct {
	mu      sync.Mutex
	account string
	lists   map[string][]string
	singles map[string]string
	errs    map[string]error
	calls   map[string]int
}

func newFakeSource(account string) *fakeSource {
	return &fakeSource{
		account: account,
		lists:   make(map[string][]string),
		singles: make(map[string]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeSource) list(name string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(f.lists[name]))
	for _, s := range f.lists[name] {
		out = append(out, json.RawMessage(s))
	}
	return out, nil
}

func (f *fakeSource) single(name, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	s, ok := f.singles[name+"/"+id]
	if !ok {
		return nil, errors.New("not found")
	}
	return json.RawMessage(s), nil
}

func (f *fakeSource) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) AccountNumber() string { return f.account }

func (f *fakeSource) Accounts(ctx context.Context) ([]json.RawMessage, error) {
	return f.list("accounts")
}

func (f *fakeSource) BillingCycles(ctx context.Context) ([]json.RawMessage, error) {
	return f.list("billing_cycles")
}

func (f *fakeSource) Addresses(ctx context.Context) ([]json.RawMessage, error) {
	return f.list("addresses")
}

func (f *fakeSource) Address(ctx context.Context, id string) (json.RawMessage, error) {
	return f.single("address", id)
}

func (f *fakeSource) RouterConfigs(ctx context.Context) ([]json.RawMessage, error) {
	return f.list("router_configs")
}

func (f *fakeSource) RouterConfig(ctx context.Context, id string) (json.RawMessage, error) {
	return f.single("router_config", id)
}

func (f *fakeSource) ServiceLines(ctx context.Context) ([]json.RawMessage, error) {
	return f.list("service_lines")
}

func (f *fakeSource) ServiceLine(ctx context.Context, id string) (json.RawMessage, error) {
	return f.single("service_line", id)
}

func (f *fakeSource) UserTerminals(ctx context.Context) ([]json.RawMessage, error) {
	return f.list("user_terminals")
}

func newTestWriter(t *testing.T, store docstore.Store) *docstore.Writer {
	t.Helper()
	w, err := docstore.NewWriter(docstore.WriterConfig{
		Logger: laketesting.NewLogger(),
		Store:  store,
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return w
}

func newTestStore(t *testing.T) (*Store, *docstore.MemoryStore) {
	t.Helper()
	mem := docstore.NewMemoryStore()
	s, err := NewStore(StoreConfig{Logger: laketesting.NewLogger(), Writer: newTestWriter(t, mem)})
	require.NoError(t, err)
	return s, mem
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	doc, err := docstore.DecodeDocument([]byte(s))
	require.NoError(t, err)
	return doc
}

func getDoc(t *testing.T, store docstore.Store, ref docstore.Ref) map[string]any {
	t.Helper()
	doc, ok, err := store.Get(t.Context(), ref)
	require.NoError(t, err)
	require.True(t, ok, "document %s not found", ref)
	return doc
}

// countingStore counts Set calls on the wrapped store.
type countingStore struct {
	docstore.Store
	mu   sync.Mutex
	sets int
}

func (s *countingStore) Set(ctx context.Context, ref docstore.Ref, data map[string]any, merge bool) error {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return s.Store.Set(ctx, ref, data, merge)
}

func (s *countingStore) Sets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}
