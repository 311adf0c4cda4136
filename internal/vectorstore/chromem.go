package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("rivald.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the store
	// in memory (tests, dev).
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection for all operations.
	Collection string

	// VectorSize is the expected embedding dimension.
	VectorSize int
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database. It needs no external service, which makes it the default
// for development and the workhorse for tests.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu sync.Mutex
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := ValidateCollectionName(config.Collection); err != nil {
		return nil, fmt.Errorf("validating collection name: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
		zap.String("collection", config.Collection),
	)

	return &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

// noEmbedding rejects implicit embedding: every entry carries its vector.
func noEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("implicit embedding is disabled; entries carry precomputed vectors")
}

func (s *ChromemStore) collection() (*chromem.Collection, error) {
	col := s.db.GetCollection(s.config.Collection, noEmbedding)
	if col == nil {
		return nil, ErrCollectionNotFound
	}
	return col, nil
}

// EnsureCollection creates the configured collection if missing.
func (s *ChromemStore) EnsureCollection(ctx context.Context, dim int) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()

	if dim != s.config.VectorSize {
		err := fmt.Errorf("%w: dimension %d does not match configured %d", ErrInvalidConfig, dim, s.config.VectorSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if _, err := s.db.GetOrCreateCollection(s.config.Collection, nil, noEmbedding); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Upsert inserts or overwrites entries by id.
func (s *ChromemStore) Upsert(ctx context.Context, entries []Entry) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.Int("entry_count", len(entries)),
		attribute.String("collection", s.config.Collection),
	)

	if len(entries) == 0 {
		return ErrEmptyEntries
	}

	col, err := s.collection()
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(entries))
	for i, entry := range entries {
		if entry.ID == "" {
			return fmt.Errorf("entry %d: id cannot be empty", i)
		}
		vector := entry.Vector
		// chromem normalizes vectors for cosine similarity, which turns an
		// all-zero vector (the status meta point) into NaN scores. Substitute
		// a unit basis vector; meta points are excluded from search anyway.
		if isZeroVector(vector) {
			vector = make([]float32, s.config.VectorSize)
			if len(vector) > 0 {
				vector[0] = 1
			}
		}

		metadata := stringifyMetadata(entry.Metadata)
		metadata["id"] = entry.ID

		content := entry.ID
		if text, ok := entry.Metadata["text"].(string); ok && text != "" {
			content = text
		}

		docs[i] = chromem.Document{
			ID:        entry.ID,
			Metadata:  metadata,
			Embedding: vector,
			Content:   content,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting to collection %s: %w", s.config.Collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query performs a filtered nearest-neighbor search.
//
// chromem only filters on string equality natively; other operators are
// applied here after an over-fetch.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("top_k", topK),
	)

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("query vector has dimension %d, collection expects %d", len(vector), s.config.VectorSize)
	}

	col, err := s.collection()
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return []Match{}, nil
		}
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return []Match{}, nil
	}

	where, residual, err := splitChromemFilter(filter)
	if err != nil {
		return nil, err
	}

	// Over-fetch when residual predicates filter after the fact.
	fetch := topK
	if len(residual) > 0 {
		fetch = topK * 4
	}
	if fetch > count {
		fetch = count
	}

	results, err := col.QueryEmbedding(ctx, vector, fetch, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}
	matches := residualTopK(results, residual, topK)

	// The residual pass can leave fewer than topK hits when the over-fetch
	// window was dominated by non-matching neighbors. Re-query over the
	// whole collection before accepting a short result.
	if len(matches) < topK && fetch < count {
		results, err = col.QueryEmbedding(ctx, vector, count, where, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
		}
		matches = residualTopK(results, residual, topK)
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// residualTopK applies the residual conditions to query results and keeps
// the first topK survivors, preserving similarity order.
func residualTopK(results []chromem.Result, residual Filter, topK int) []Match {
	matches := make([]Match, 0, topK)
	for _, r := range results {
		metadata := parseMetadata(r.Metadata)
		if !matchesResidual(metadata, residual) {
			continue
		}
		matches = append(matches, Match{
			ID:       r.ID,
			Score:    r.Similarity,
			Metadata: metadata,
		})
		if len(matches) == topK {
			break
		}
	}
	return matches
}

// Delete removes entries by their ids.
func (s *ChromemStore) Delete(ctx context.Context, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}

	col, err := s.collection()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from collection %s: %w", s.config.Collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Fetch returns stored entries by id, skipping missing ids.
func (s *ChromemStore) Fetch(ctx context.Context, ids []string) ([]Entry, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Fetch")
	defer span.End()

	col, err := s.collection()
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			ID:       doc.ID,
			Vector:   doc.Embedding,
			Metadata: parseMetadata(doc.Metadata),
		})
	}

	span.SetAttributes(attribute.Int("found", len(entries)))
	span.SetStatus(codes.Ok, "success")
	return entries, nil
}

// PruneStale deletes non-meta entries whose build_id differs from
// keepBuildID, returning the number removed.
func (s *ChromemStore) PruneStale(ctx context.Context, keepBuildID string) (int, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.PruneStale")
	defer span.End()

	col, err := s.collection()
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return 0, nil
		}
		return 0, err
	}

	count := col.Count()
	if count == 0 {
		return 0, nil
	}

	// Enumerate via a full query; ordering is irrelevant here.
	anchor := make([]float32, s.config.VectorSize)
	if len(anchor) > 0 {
		anchor[0] = 1
	}
	results, err := col.QueryEmbedding(ctx, anchor, count, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("enumerating collection %s: %w", s.config.Collection, err)
	}

	var stale []string
	for _, r := range results {
		if r.Metadata["is_meta"] == "1" {
			continue
		}
		if r.Metadata["build_id"] != keepBuildID {
			stale = append(stale, r.ID)
		}
	}

	if len(stale) == 0 {
		span.SetStatus(codes.Ok, "nothing to prune")
		return 0, nil
	}

	if err := s.Delete(ctx, stale); err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.Int("pruned", len(stale)))
	span.SetStatus(codes.Ok, "success")
	return len(stale), nil
}

// Close releases resources. chromem holds no external connections.
func (s *ChromemStore) Close() error {
	return nil
}

// splitChromemFilter separates natively supported equality conditions from
// residual conditions applied after the query.
func splitChromemFilter(filter Filter) (map[string]string, Filter, error) {
	if len(filter) == 0 {
		return nil, nil, nil
	}
	where := make(map[string]string)
	var residual Filter
	for _, cond := range filter {
		switch cond.Op {
		case OpEq:
			if _, dup := where[cond.Field]; dup {
				residual = append(residual, cond)
				continue
			}
			where[cond.Field] = stringifyValue(cond.Value)
		case OpNe, OpGte, OpLte, OpGt, OpLt:
			residual = append(residual, cond)
		default:
			return nil, nil, fmt.Errorf("%w: field %q: operator %q", ErrInvalidFilter, cond.Field, cond.Op)
		}
	}
	if len(where) == 0 {
		where = nil
	}
	return where, residual, nil
}

// matchesResidual evaluates the residual conditions against parsed metadata.
func matchesResidual(metadata map[string]interface{}, residual Filter) bool {
	for _, cond := range residual {
		actual, ok := metadata[cond.Field]
		if !ok {
			return false
		}
		switch cond.Op {
		case OpNe:
			if stringifyValue(actual) == stringifyValue(cond.Value) {
				return false
			}
		case OpGte, OpLte, OpGt, OpLt:
			have, okA := numericValue(actual)
			want, okB := numericValue(cond.Value)
			if !okA || !okB {
				return false
			}
			switch cond.Op {
			case OpGte:
				if !(have >= want) {
					return false
				}
			case OpLte:
				if !(have <= want) {
					return false
				}
			case OpGt:
				if !(have > want) {
					return false
				}
			case OpLt:
				if !(have < want) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// stringifyMetadata converts metadata values to the string map chromem
// stores. Unsupported types are dropped.
func stringifyMetadata(metadata map[string]interface{}) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		switch v.(type) {
		case string, int, int64, float64, bool:
			out[k] = stringifyValue(v)
		}
	}
	return out
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// parseMetadata restores typed values from chromem's string metadata.
func parseMetadata(metadata map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		out[k] = parseMetadataValue(v)
	}
	return out
}

func parseMetadataValue(v string) interface{} {
	if v == "" {
		return v
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	return strings.TrimSpace(v)
}
