package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChromem(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{
		Collection: "competitor_products",
		VectorSize: 3,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.EnsureCollection(context.Background(), 3))
	return store
}

func seedEntries(t *testing.T, store *ChromemStore) {
	t.Helper()
	err := store.Upsert(context.Background(), []Entry{
		{
			ID:     "a",
			Vector: []float32{1, 0, 0},
			Metadata: map[string]interface{}{
				"name": "Acme EV", "industry": "automotive",
				"founded_year": 2021, "is_meta": 0, "build_id": "b1",
			},
		},
		{
			ID:     "b",
			Vector: []float32{0.9, 0.1, 0},
			Metadata: map[string]interface{}{
				"name": "Beta Motors", "industry": "automotive",
				"founded_year": 2015, "is_meta": 0, "build_id": "b1",
			},
		},
		{
			ID:     "c",
			Vector: []float32{0, 1, 0},
			Metadata: map[string]interface{}{
				"name": "Cloudly", "industry": "saas",
				"founded_year": 2019, "is_meta": 0, "build_id": "b1",
			},
		},
	})
	require.NoError(t, err)
}

func TestChromemStore_UpsertAndQuery(t *testing.T) {
	store := newTestChromem(t)
	seedEntries(t, store)

	matches, err := store.Query(context.Background(), []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "b", matches[1].ID)
	assert.Equal(t, "Acme EV", matches[0].Metadata["name"])
	assert.Equal(t, int64(2021), matches[0].Metadata["founded_year"])
}

func TestChromemStore_UpsertOverwritesByID(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()
	seedEntries(t, store)

	err := store.Upsert(ctx, []Entry{{
		ID:       "a",
		Vector:   []float32{1, 0, 0},
		Metadata: map[string]interface{}{"name": "Acme EV Corp", "is_meta": 0, "build_id": "b2"},
	}})
	require.NoError(t, err)

	entries, err := store.Fetch(ctx, []string{"a"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Acme EV Corp", entries[0].Metadata["name"])
}

func TestChromemStore_QueryEqualityFilter(t *testing.T) {
	store := newTestChromem(t)
	seedEntries(t, store)

	matches, err := store.Query(context.Background(), []float32{1, 0, 0}, 10,
		Filter{}.Eq("industry", "saas"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c", matches[0].ID)
}

func TestChromemStore_QueryRangeFilter(t *testing.T) {
	store := newTestChromem(t)
	seedEntries(t, store)

	matches, err := store.Query(context.Background(), []float32{1, 0, 0}, 10, Filter{
		{Field: "founded_year", Op: OpGte, Value: 2019},
	})
	require.NoError(t, err)

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestChromemStore_QueryResidualFilterBeyondOverfetch(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()

	// Twelve close neighbors fail the range predicate; the only entries
	// that pass sit far from the query vector, outside the initial
	// over-fetch window for topK=2.
	var entries []Entry
	for i := 0; i < 12; i++ {
		entries = append(entries, Entry{
			ID:     fmt.Sprintf("near-%d", i),
			Vector: []float32{1, float32(i) / 100, 0},
			Metadata: map[string]interface{}{
				"name": fmt.Sprintf("Near %d", i), "founded_year": 2000,
				"is_meta": 0, "build_id": "b1",
			},
		})
	}
	for i := 0; i < 3; i++ {
		entries = append(entries, Entry{
			ID:     fmt.Sprintf("far-%d", i),
			Vector: []float32{0, 1, float32(i) / 100},
			Metadata: map[string]interface{}{
				"name": fmt.Sprintf("Far %d", i), "founded_year": 2020 + i,
				"is_meta": 0, "build_id": "b1",
			},
		})
	}
	require.NoError(t, store.Upsert(ctx, entries))

	matches, err := store.Query(ctx, []float32{1, 0, 0}, 2, Filter{
		{Field: "founded_year", Op: OpGte, Value: 2019},
	})
	require.NoError(t, err)
	require.Len(t, matches, 2, "a sparse predicate must not shrink the result below topK")
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Metadata["founded_year"], int64(2019))
	}
}

func TestChromemStore_QueryExcludesMetaByFilter(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()
	seedEntries(t, store)

	// Meta points carry a zero vector by contract.
	err := store.Upsert(ctx, []Entry{{
		ID:       "__meta__#latest",
		Vector:   []float32{0, 0, 0},
		Metadata: map[string]interface{}{"is_meta": 1, "build_id": "b1"},
	}})
	require.NoError(t, err)

	matches, err := store.Query(ctx, []float32{1, 0, 0}, 10, Filter{}.Eq("is_meta", 0))
	require.NoError(t, err)
	require.Len(t, matches, 3)
	for _, m := range matches {
		assert.NotEqual(t, "__meta__#latest", m.ID)
	}
}

func TestChromemStore_Delete(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()
	seedEntries(t, store)

	require.NoError(t, store.Delete(ctx, []string{"a", "b"}))

	matches, err := store.Query(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c", matches[0].ID)
}

func TestChromemStore_PruneStale(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()
	seedEntries(t, store)

	err := store.Upsert(ctx, []Entry{
		{
			ID:       "d",
			Vector:   []float32{0, 0, 1},
			Metadata: map[string]interface{}{"name": "Delta", "is_meta": 0, "build_id": "b2"},
		},
		{
			ID:       "__meta__#latest",
			Vector:   []float32{0, 0, 0},
			Metadata: map[string]interface{}{"is_meta": 1, "build_id": "b2"},
		},
	})
	require.NoError(t, err)

	pruned, err := store.PruneStale(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, 3, pruned, "entries from the old build are removed")

	matches, err := store.Query(ctx, []float32{0, 0, 1}, 10, Filter{}.Eq("is_meta", 0))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d", matches[0].ID)

	// The meta point survives pruning.
	entries, err := store.Fetch(ctx, []string{"__meta__#latest"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestChromemStore_EmptyUpsertRejected(t *testing.T) {
	store := newTestChromem(t)
	err := store.Upsert(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyEntries)
}

func TestChromemStore_QueryDimensionMismatch(t *testing.T) {
	store := newTestChromem(t)
	seedEntries(t, store)

	_, err := store.Query(context.Background(), []float32{1, 0}, 5, nil)
	assert.Error(t, err)
}

func TestChromemStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	cfg := ChromemConfig{Path: dir, Collection: "competitor_products", VectorSize: 3}

	store, err := NewChromemStore(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCollection(context.Background(), 3))
	seedEntries(t, store)
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	matches, err := reopened.Query(context.Background(), []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}
