package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rivald/internal/index"
	"github.com/fyrsmithlabs/rivald/internal/orchestrator"
	"github.com/fyrsmithlabs/rivald/internal/parser"
	"github.com/fyrsmithlabs/rivald/internal/record"
	"github.com/fyrsmithlabs/rivald/internal/search"
	"github.com/fyrsmithlabs/rivald/internal/source"
	"github.com/fyrsmithlabs/rivald/internal/staging"
	"github.com/fyrsmithlabs/rivald/internal/vectorstore"
	"go.uber.org/zap"
)

// testMetrics is shared across tests: promauto registers on the default
// registry, which rejects duplicates.
var testMetrics = NewMetrics()

// stubProvider returns unit vectors.
type stubProvider struct{ dim int }

func (p stubProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, p.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (p stubProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, _ := p.EmbedDocuments(ctx, []string{text})
	return vecs[0], nil
}

func (p stubProvider) Dimension() int { return p.dim }
func (p stubProvider) Close() error   { return nil }

func newTestServer(t *testing.T, rows []record.Raw) (*Server, *vectorstore.ChromemStore) {
	t.Helper()

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Collection: "competitor_products",
		VectorSize: 4,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stagingStore, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { stagingStore.Close() })

	provider := stubProvider{dim: 4}
	builder := index.NewBuilder(stagingStore, provider, store, index.Config{
		Collection:    "competitor_products",
		ChunkSize:     8,
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, nil)

	builds := orchestrator.New(func() (source.Source, error) {
		return source.NewSliceSource(rows), nil
	}, parser.New(nil), stagingStore, builder, nil)
	t.Cleanup(func() { builds.Close() })

	searcher := search.NewService(provider, store, search.Config{MaxTopK: 50}, nil)

	srv, err := NewServer(builds, searcher, testMetrics, zap.NewNop(), &Config{
		Host: "localhost", Port: 0,
	})
	require.NoError(t, err)
	return srv, store
}

func doJSON(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func waitForState(t *testing.T, srv *Server, state string) index.Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		rec := doJSON(srv, http.MethodGet, "/v1/index/status", "")
		if rec.Code == http.StatusOK {
			var status index.Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			if status.State == state {
				return status
			}
		}
		select {
		case <-deadline:
			t.Fatalf("build never reached state %s", state)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func sampleRows() []record.Raw {
	var rows []record.Raw
	for i := 0; i < 3; i++ {
		rows = append(rows, record.Raw{
			"id":           fmt.Sprintf("r-%d", i),
			"name":         fmt.Sprintf("Product %d", i),
			"industry":     "automotive",
			"founded_year": 2015 + i,
		})
	}
	return rows
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBuildStatus_BeforeFirstBuild(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/v1/index/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerBuild_Accepted(t *testing.T) {
	srv, _ := newTestServer(t, sampleRows())

	rec := doJSON(srv, http.MethodPost, "/v1/index/build", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp BuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.BuildID)

	status := waitForState(t, srv, index.StateSucceeded)
	assert.Equal(t, resp.BuildID, status.BuildID)
	assert.Equal(t, 3, status.TotalVectors)
}

func TestTriggerBuild_InvalidBatchSize(t *testing.T) {
	srv, _ := newTestServer(t, sampleRows())
	rec := doJSON(srv, http.MethodPost, "/v1/index/build", `{"batch_size": -5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch_EndToEnd(t *testing.T) {
	srv, _ := newTestServer(t, sampleRows())

	rec := doJSON(srv, http.MethodPost, "/v1/index/build", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitForState(t, srv, index.StateSucceeded)

	rec = doJSON(srv, http.MethodPost, "/v1/search",
		`{"query": "battery product", "top_k": 2, "filters": {"industry": "automotive"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		assert.Equal(t, "automotive", r.Metadata["industry"])
	}
}

func TestSearch_ValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t, sampleRows())

	tests := []struct {
		name string
		body string
	}{
		{name: "empty query", body: `{"query": "", "top_k": 5}`},
		{name: "negative top_k", body: `{"query": "x", "top_k": -1}`},
		{name: "unknown filter field", body: `{"query": "x", "top_k": 5, "filters": {"warp_drive": 1}}`},
		{name: "unknown operator", body: `{"query": "x", "top_k": 5, "filters": {"founded_year": {"near": 2020}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(srv, http.MethodPost, "/v1/search", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSearch_EmptyIndexReturnsEmptyList(t *testing.T) {
	srv, store := newTestServer(t, nil)
	require.NoError(t, store.EnsureCollection(context.Background(), 4))

	rec := doJSON(srv, http.MethodPost, "/v1/search", `{"query": "anything", "top_k": 5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
}
