// Package search serves filtered similarity queries over the vector index.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rivald/internal/embeddings"
	"github.com/fyrsmithlabs/rivald/internal/index"
	"github.com/fyrsmithlabs/rivald/internal/vectorstore"
)

// Sentinel errors for search requests.
var (
	// ErrEmptyQuery indicates an empty query string.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrInvalidTopK indicates a non-positive top_k.
	ErrInvalidTopK = errors.New("top_k must be positive")

	// ErrUnknownFilterField indicates a filter on a field that is not part
	// of the searchable schema. Unknown fields fail the request instead of
	// being silently ignored.
	ErrUnknownFilterField = errors.New("unknown filter field")

	// ErrDimensionMismatch indicates the query embedding does not match the
	// collection dimension; the deployment is misconfigured.
	ErrDimensionMismatch = errors.New("query embedding dimension mismatch")
)

// Result is one ranked search hit.
type Result struct {
	// ID is the record id.
	ID string `json:"id"`

	// Score is the similarity score, higher is more similar.
	Score float32 `json:"score"`

	// Metadata is the stored record payload.
	Metadata map[string]interface{} `json:"metadata"`
}

// Config holds search tuning.
type Config struct {
	// MaxTopK caps the requested result count.
	MaxTopK int

	// MetadataFields are extra filterable fields beyond the canonical
	// columns.
	MetadataFields []string
}

// Service embeds queries and runs filtered nearest-neighbor searches.
type Service struct {
	provider   embeddings.Provider
	store      vectorstore.Store
	config     Config
	filterable map[string]struct{}
	logger     *zap.Logger
}

// NewService creates a search Service.
func NewService(provider embeddings.Provider, store vectorstore.Store, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = 100
	}

	filterable := map[string]struct{}{
		"name":         {},
		"industry":     {},
		"founded_year": {},
		"description":  {},
	}
	for _, f := range config.MetadataFields {
		filterable[f] = struct{}{}
	}

	return &Service{
		provider:   provider,
		store:      store,
		config:     config,
		filterable: filterable,
		logger:     logger,
	}
}

// Search embeds the query and returns up to topK matches restricted by the
// filters, ordered by descending score with ties broken by ascending id.
//
// Filters are a conjunction: a scalar value is an equality predicate, an
// object value maps operator names to bounds, e.g.
// {"founded_year": {"gte": 2020}}.
func (s *Service) Search(ctx context.Context, query string, topK int, filters map[string]interface{}) ([]Result, error) {
	start := time.Now()

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	if topK > s.config.MaxTopK {
		topK = s.config.MaxTopK
	}

	filter, err := s.buildFilter(filters)
	if err != nil {
		return nil, err
	}

	vector, err := s.provider.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vector) != s.provider.Dimension() {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vector), s.provider.Dimension())
	}
	vector = index.Normalize(vector)

	matches, err := s.store.Query(ctx, vector, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{ID: m.ID, Score: m.Score, Metadata: m.Metadata}
	}

	// Descending score, ascending id on ties, for deterministic output.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	s.logger.Debug("search complete",
		zap.Int("top_k", topK),
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
	)
	return results, nil
}

// buildFilter validates the request filters and appends the meta-point
// exclusion.
func (s *Service) buildFilter(filters map[string]interface{}) (vectorstore.Filter, error) {
	var filter vectorstore.Filter
	for field, value := range filters {
		if _, ok := s.filterable[field]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFilterField, field)
		}
		switch v := value.(type) {
		case map[string]interface{}:
			if len(v) == 0 {
				return nil, fmt.Errorf("%w: field %q: empty operator object", vectorstore.ErrInvalidFilter, field)
			}
			for opName, bound := range v {
				op, err := vectorstore.ParseOp(opName)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", field, err)
				}
				filter = append(filter, vectorstore.Condition{Field: field, Op: op, Value: bound})
			}
		default:
			filter = filter.Eq(field, value)
		}
	}
	// Status meta points never appear in results.
	return filter.Eq("is_meta", 0), nil
}
