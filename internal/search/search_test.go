package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rivald/internal/vectorstore"
)

// fakeProvider returns a fixed query vector.
type fakeProvider struct {
	dim    int
	vector []float32
}

func (p fakeProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = p.vector
	}
	return out, nil
}

func (p fakeProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return p.vector, nil
}

func (p fakeProvider) Dimension() int { return p.dim }
func (p fakeProvider) Close() error   { return nil }

// fakeStore serves canned matches and records the last query.
type fakeStore struct {
	matches    []vectorstore.Match
	lastTopK   int
	lastFilter vectorstore.Filter
}

func (s *fakeStore) EnsureCollection(context.Context, int) error            { return nil }
func (s *fakeStore) Upsert(context.Context, []vectorstore.Entry) error     { return nil }
func (s *fakeStore) Delete(context.Context, []string) error                { return nil }
func (s *fakeStore) Fetch(context.Context, []string) ([]vectorstore.Entry, error) {
	return nil, nil
}
func (s *fakeStore) PruneStale(context.Context, string) (int, error) { return 0, nil }
func (s *fakeStore) Close() error                                    { return nil }

func (s *fakeStore) Query(_ context.Context, _ []float32, topK int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	s.lastTopK = topK
	s.lastFilter = filter
	if topK < len(s.matches) {
		return s.matches[:topK], nil
	}
	return s.matches, nil
}

func newTestService(store *fakeStore) *Service {
	provider := fakeProvider{dim: 3, vector: []float32{1, 0, 0}}
	return NewService(provider, store, Config{MaxTopK: 10, MetadataFields: []string{"hq"}}, nil)
}

func TestSearch_Validation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	ctx := context.Background()

	_, err := svc.Search(ctx, "", 5, nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = svc.Search(ctx, "ev", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidTopK)

	_, err = svc.Search(ctx, "ev", -1, nil)
	assert.ErrorIs(t, err, ErrInvalidTopK)
}

func TestSearch_UnknownFilterFieldRejected(t *testing.T) {
	store := &fakeStore{matches: []vectorstore.Match{{ID: "a", Score: 0.9}}}
	svc := newTestService(store)

	_, err := svc.Search(context.Background(), "ev", 5, map[string]interface{}{
		"warp_drive": true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownFilterField, "unknown fields fail, not silently ignored")
}

func TestSearch_FilterTranslation(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store)

	_, err := svc.Search(context.Background(), "ev", 5, map[string]interface{}{
		"industry":     "automotive",
		"founded_year": map[string]interface{}{"gte": float64(2020)},
		"hq":           "Berlin",
	})
	require.NoError(t, err)

	byField := map[string][]vectorstore.Condition{}
	for _, cond := range store.lastFilter {
		byField[cond.Field] = append(byField[cond.Field], cond)
	}

	require.Len(t, byField["industry"], 1)
	assert.Equal(t, vectorstore.OpEq, byField["industry"][0].Op)
	require.Len(t, byField["founded_year"], 1)
	assert.Equal(t, vectorstore.OpGte, byField["founded_year"][0].Op)
	require.Len(t, byField["is_meta"], 1, "meta points are always excluded")
	assert.Equal(t, 0, byField["is_meta"][0].Value)
}

func TestSearch_UnknownOperatorRejected(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Search(context.Background(), "ev", 5, map[string]interface{}{
		"founded_year": map[string]interface{}{"near": 2020},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidFilter)
}

func TestSearch_OrderingAndTieBreak(t *testing.T) {
	store := &fakeStore{matches: []vectorstore.Match{
		{ID: "c", Score: 0.5},
		{ID: "b", Score: 0.9},
		{ID: "a", Score: 0.5},
	}}
	svc := newTestService(store)

	results, err := svc.Search(context.Background(), "ev", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, "a", results[1].ID, "ties break by ascending id")
	assert.Equal(t, "c", results[2].ID)
}

func TestSearch_TopKCapped(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store)

	_, err := svc.Search(context.Background(), "ev", 500, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, store.lastTopK, "top_k is capped at the configured maximum")
}

func TestSearch_ExactlyTopKResults(t *testing.T) {
	store := &fakeStore{matches: []vectorstore.Match{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.8},
		{ID: "c", Score: 0.7},
		{ID: "d", Score: 0.6},
		{ID: "e", Score: 0.5},
		{ID: "f", Score: 0.4},
	}}
	svc := newTestService(store)

	results, err := svc.Search(context.Background(), "ev", 5, nil)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}
