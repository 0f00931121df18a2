package docstore_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
)

func TestFleetLake_Docstore_Ref(t *testing.T) {
	t.Parallel()

	device := docstore.NewRef("telemetry_raw", "ut01000000-00000000-00abcdef")
	record := device.Child("records", "1700000000000000000")

	require.Equal(t, "telemetry_raw/ut01000000-00000000-00abcdef/records", record.Collection)
	require.Equal(t, "telemetry_raw/ut01000000-00000000-00abcdef/records/1700000000000000000", record.Path())
	require.Equal(t, "telemetry_raw", record.Kind())
	require.Equal(t, "accounts", docstore.NewRef("accounts", "ACC-1").Kind())
}

func TestFleetLake_Docstore_SetGet(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store docstore.Store) {
		ctx := t.Context()
		ref := docstore.NewRef("accounts", "ACC-1")

		_, ok, err := store.Get(ctx, ref)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, store.Set(ctx, ref, map[string]any{"accountNumber": "ACC-1", "regionCode": "US"}, false))
		got, ok, err := store.Get(ctx, ref)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, map[string]any{"accountNumber": "ACC-1", "regionCode": "US"}, got)

		// Merge keeps keys the new value does not carry.
		require.NoError(t, store.Set(ctx, ref, map[string]any{"regionCode": "CA"}, true))
		got, _, err = store.Get(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"accountNumber": "ACC-1", "regionCode": "CA"}, got)

		// Replace drops them.
		require.NoError(t, store.Set(ctx, ref, map[string]any{"regionCode": "MX"}, false))
		got, _, err = store.Get(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"regionCode": "MX"}, got)
	})
}

func TestFleetLake_Docstore_Create(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store docstore.Store) {
		ctx := t.Context()
		ref := docstore.NewRef("_locks", "account")

		created, err := store.Create(ctx, ref, map[string]any{"account_number": "ACC-1"})
		require.NoError(t, err)
		require.True(t, created)

		created, err = store.Create(ctx, ref, map[string]any{"account_number": "ACC-2"})
		require.NoError(t, err)
		require.False(t, created)

		doc, ok, err := store.Get(ctx, ref)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "ACC-1", doc["account_number"])
	})
}

func TestFleetLake_Docstore_LargeIntegersRoundTrip(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store docstore.Store) {
		ctx := t.Context()
		ref := docstore.NewRef("telemetry_raw/ut1/records", "1700000000123456789")

		require.NoError(t, store.Set(ctx, ref, map[string]any{"UtcTimestampNs": int64(1700000000123456789)}, false))
		got, ok, err := store.Get(ctx, ref)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, json.Number("1700000000123456789"), got["UtcTimestampNs"])
	})
}

func TestFleetLake_Docstore_Batch(t *testing.T) {
	t.Parallel()

	t.Run("applies sets and deletes together", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			ctx := t.Context()
			keep := docstore.NewRef("service_lines", "SL-1")
			drop := docstore.NewRef("service_lines", "SL-2")
			require.NoError(t, store.Set(ctx, drop, map[string]any{"active": true}, false))

			b := store.NewBatch()
			b.Set(keep, map[string]any{"active": false})
			b.Delete(drop)
			require.Equal(t, 2, b.Len())
			require.NoError(t, b.Commit(ctx))

			_, ok, err := store.Get(ctx, drop)
			require.NoError(t, err)
			require.False(t, ok)

			got, ok, err := store.Get(ctx, keep)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, false, got["active"])
		})
	})

	t.Run("rejects batches over the maximum size", func(t *testing.T) {
		t.Parallel()

		store := docstore.NewMemoryStore()
		b := store.NewBatch()
		for i := 0; i <= docstore.MaxBatchSize; i++ {
			b.Set(docstore.NewRef("c", store.NewID()), map[string]any{"i": i})
		}
		err := b.Commit(t.Context())
		require.Error(t, err)
		require.True(t, errors.Is(err, docstore.ErrBatchTooLarge))
		require.Equal(t, 0, store.Count("c"))
	})
}

func TestFleetLake_Docstore_Stream(t *testing.T) {
	t.Parallel()

	seed := func(t *testing.T, store docstore.Store) string {
		coll := "telemetry_raw/ut1/records"
		b := store.NewBatch()
		b.Set(docstore.NewRef(coll, "a"), map[string]any{"UtcTimestampNs": int64(1700000000000000001), "ts": "2026-01-01T00:00:00Z"})
		b.Set(docstore.NewRef(coll, "b"), map[string]any{"UtcTimestampNs": int64(1700000000000000003), "ts": "2026-01-01T00:10:00Z"})
		b.Set(docstore.NewRef(coll, "c"), map[string]any{"UtcTimestampNs": int64(1700000000000000002), "ts": "2026-01-01T00:20:00Z"})
		b.Set(docstore.NewRef(coll, "d"), map[string]any{"other": 1})
		require.NoError(t, b.Commit(t.Context()))
		return coll
	}

	collect := func(t *testing.T, store docstore.Store, q docstore.Query) []string {
		var ids []string
		require.NoError(t, store.Stream(t.Context(), q, func(d docstore.Document) error {
			ids = append(ids, d.Ref.ID)
			return nil
		}))
		return ids
	}

	t.Run("orders descending with missing fields last", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			coll := seed(t, store)
			ids := collect(t, store, docstore.Query{Collection: coll, OrderBy: "UtcTimestampNs", Descending: true})
			require.Equal(t, []string{"b", "c", "a", "d"}, ids)
		})
	})

	t.Run("null values sort with missing fields", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			coll := seed(t, store)
			require.NoError(t, store.Set(t.Context(), docstore.NewRef(coll, "0"), map[string]any{"UtcTimestampNs": nil}, false))
			require.NoError(t, store.Set(t.Context(), docstore.NewRef(coll, "e"), map[string]any{"UtcTimestampNs": nil}, false))

			ids := collect(t, store, docstore.Query{Collection: coll, OrderBy: "UtcTimestampNs", Descending: true})
			require.Equal(t, []string{"b", "c", "a", "0", "d", "e"}, ids)

			ids = collect(t, store, docstore.Query{Collection: coll, OrderBy: "UtcTimestampNs"})
			require.Equal(t, []string{"a", "c", "b", "0", "d", "e"}, ids)
		})
	})

	t.Run("applies offset and limit", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			coll := seed(t, store)
			ids := collect(t, store, docstore.Query{Collection: coll, OrderBy: "UtcTimestampNs", Descending: true, Offset: 1, Limit: 2})
			require.Equal(t, []string{"c", "a"}, ids)

			ids = collect(t, store, docstore.Query{Collection: coll, OrderBy: "UtcTimestampNs", Offset: 10})
			require.Empty(t, ids)
		})
	})

	t.Run("filters on string ranges", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			coll := seed(t, store)
			ids := collect(t, store, docstore.Query{
				Collection: coll,
				Filters: []docstore.Filter{
					{Field: "ts", Op: docstore.OpGTE, Value: "2026-01-01T00:05:00Z"},
					{Field: "ts", Op: docstore.OpLTE, Value: "2026-01-01T00:20:00Z"},
				},
				OrderBy: "ts",
			})
			require.Equal(t, []string{"b", "c"}, ids)
		})
	})

	t.Run("filters on numbers", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			coll := seed(t, store)
			ids := collect(t, store, docstore.Query{
				Collection: coll,
				Filters:    []docstore.Filter{{Field: "UtcTimestampNs", Op: docstore.OpGT, Value: int64(1700000000000000001)}},
				OrderBy:    "UtcTimestampNs",
			})
			require.Equal(t, []string{"c", "b"}, ids)
		})
	})

	t.Run("stops on callback error", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			coll := seed(t, store)
			stop := errors.New("stop")
			calls := 0
			err := store.Stream(t.Context(), docstore.Query{Collection: coll}, func(docstore.Document) error {
				calls++
				return stop
			})
			require.ErrorIs(t, err, stop)
			require.Equal(t, 1, calls)
		})
	})

	t.Run("empty collection streams nothing", func(t *testing.T) {
		t.Parallel()

		forEachStore(t, func(t *testing.T, store docstore.Store) {
			require.Empty(t, collect(t, store, docstore.Query{Collection: "nothing"}))
		})
	})
}
