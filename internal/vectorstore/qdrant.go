package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("rivald.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334), not the HTTP REST port.
	Port int

	// Collection is the collection for all operations.
	Collection string

	// VectorSize is the dimensionality of embeddings. MUST match the
	// embedding provider's output dimension.
	VectorSize uint64

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// MaxRetries is the maximum number of retry attempts for transient
	// failures. Default: 3.
	MaxRetries int

	// RetryBackoff is the initial backoff duration, doubling per retry.
	// Default: 1 second.
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// pointNamespace is the UUID namespace for deriving point ids from entry ids.
var pointNamespace = uuid.NameSpaceOID

// pointID derives a deterministic Qdrant point id from an entry id.
// Qdrant only accepts integer or UUID point ids; deriving the UUID from the
// entry id keeps upserts idempotent. The original id stays in payload["id"].
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

// QdrantStore is a Store implementation using Qdrant's native gRPC client.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig

	// circuitBreaker tracks consecutive failures.
	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

const circuitBreakerThreshold = 5

// NewQdrantStore creates a QdrantStore and verifies connectivity.
func NewQdrantStore(config QdrantConfig) (*QdrantStore, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := ValidateCollectionName(config.Collection); err != nil {
		return nil, fmt.Errorf("validating collection name: %w", err)
	}

	if !config.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant gRPC using plaintext (TLS disabled). Insecure for production.\n")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client: client,
		config: config,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	return store, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff for
// transient errors.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= circuitBreakerThreshold {
		// Allow retry after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// EnsureCollection creates the configured collection if it does not exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dim int) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("vector_size", dim),
	)

	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		span.SetStatus(codes.Ok, "exists")
		return nil
	}

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}

	span.SetStatus(codes.Ok, "created")
	return nil
}

// Upsert inserts or overwrites entries by id.
func (s *QdrantStore) Upsert(ctx context.Context, entries []Entry) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.Int("entry_count", len(entries)),
		attribute.String("collection", s.config.Collection),
	)

	if len(entries) == 0 {
		return ErrEmptyEntries
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, entry := range entries {
		if entry.ID == "" {
			return fmt.Errorf("entry %d: id cannot be empty", i)
		}
		payload := toQdrantPayload(entry.Metadata)
		payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: entry.ID}}

		points[i] = &qdrant.PointStruct{
			Id:      pointID(entry.ID),
			Vectors: qdrant.NewVectors(entry.Vector...),
			Payload: payload,
		}
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", s.config.Collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query performs a filtered nearest-neighbor search.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Query")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("top_k", topK),
	)

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) != int(s.config.VectorSize) {
		return nil, fmt.Errorf("query vector has dimension %d, collection expects %d", len(vector), s.config.VectorSize)
	}

	qdrantFilter, err := toQdrantFilter(filter)
	if err != nil {
		return nil, err
	}

	var results []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         qdrantFilter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	matches := make([]Match, len(results))
	for i, point := range results {
		match := Match{Score: point.Score}
		if point.Payload != nil {
			match.Metadata = fromQdrantPayload(point.Payload)
			if id, ok := match.Metadata["id"].(string); ok {
				match.ID = id
			}
		}
		matches[i] = match
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Delete removes entries by their ids, matching on the payload id field.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.Int("id_count", len(ids)),
		attribute.String("collection", s.config.Collection),
	)

	if len(ids) == 0 {
		return nil
	}

	err := s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							{
								ConditionOneOf: &qdrant.Condition_Field{
									Field: &qdrant.FieldCondition{
										Key: "id",
										Match: &qdrant.Match{
											MatchValue: &qdrant.Match_Keywords{
												Keywords: &qdrant.RepeatedStrings{Strings: ids},
											},
										},
									},
								},
							},
						},
					},
				},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from collection %s: %w", s.config.Collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Fetch returns stored entries by id, skipping missing ids.
func (s *QdrantStore) Fetch(ctx context.Context, ids []string) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Fetch")
	defer span.End()

	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "fetch", func() error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            pointIDs,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetching from collection %s: %w", s.config.Collection, err)
	}

	entries := make([]Entry, 0, len(points))
	for _, point := range points {
		entry := Entry{Metadata: fromQdrantPayload(point.Payload)}
		if id, ok := entry.Metadata["id"].(string); ok {
			entry.ID = id
		}
		if vec := point.GetVectors().GetVector(); vec != nil {
			entry.Vector = vec.GetData()
		}
		entries = append(entries, entry)
	}

	span.SetStatus(codes.Ok, "success")
	return entries, nil
}

// PruneStale deletes non-meta entries whose build_id differs from
// keepBuildID, returning the number removed.
func (s *QdrantStore) PruneStale(ctx context.Context, keepBuildID string) (int, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.PruneStale")
	defer span.End()

	span.SetAttributes(attribute.String("keep_build_id", keepBuildID))

	staleFilter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   "is_meta",
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: 0}},
					},
				},
			},
		},
		MustNot: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   "build_id",
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: keepBuildID}},
					},
				},
			},
		},
	}

	var count uint64
	err := s.retryOperation(ctx, "count_stale", func() error {
		n, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Filter:         staleFilter,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting stale entries: %w", err)
	}

	if count == 0 {
		span.SetStatus(codes.Ok, "nothing to prune")
		return 0, nil
	}

	err = s.retryOperation(ctx, "prune_stale", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: staleFilter},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("pruning stale entries: %w", err)
	}

	span.SetAttributes(attribute.Int("pruned", int(count)))
	span.SetStatus(codes.Ok, "success")
	return int(count), nil
}

// toQdrantFilter translates a Filter into the Qdrant wire representation.
func toQdrantFilter(filter Filter) (*qdrant.Filter, error) {
	if len(filter) == 0 {
		return nil, nil
	}

	out := &qdrant.Filter{}
	for _, cond := range filter {
		switch cond.Op {
		case OpEq, OpNe:
			match, err := toQdrantMatch(cond.Value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", cond.Field, err)
			}
			fc := &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{Key: cond.Field, Match: match},
				},
			}
			if cond.Op == OpEq {
				out.Must = append(out.Must, fc)
			} else {
				out.MustNot = append(out.MustNot, fc)
			}

		case OpGte, OpLte, OpGt, OpLt:
			n, ok := numericValue(cond.Value)
			if !ok {
				return nil, fmt.Errorf("%w: field %q: range operator needs a numeric value", ErrInvalidFilter, cond.Field)
			}
			r := &qdrant.Range{}
			switch cond.Op {
			case OpGte:
				r.Gte = qdrant.PtrOf(n)
			case OpLte:
				r.Lte = qdrant.PtrOf(n)
			case OpGt:
				r.Gt = qdrant.PtrOf(n)
			case OpLt:
				r.Lt = qdrant.PtrOf(n)
			}
			out.Must = append(out.Must, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{Key: cond.Field, Range: r},
				},
			})

		default:
			return nil, fmt.Errorf("%w: field %q: operator %q", ErrInvalidFilter, cond.Field, cond.Op)
		}
	}
	return out, nil
}

func toQdrantMatch(value interface{}) (*qdrant.Match, error) {
	switch v := value.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}, nil
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}, nil
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}, nil
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}, nil
	case float64:
		// Whole floats arrive from JSON decoding of integer values.
		if v == float64(int64(v)) {
			return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}, nil
		}
		return nil, fmt.Errorf("%w: equality on fractional numbers is not supported", ErrInvalidFilter)
	default:
		return nil, fmt.Errorf("%w: unsupported match value type %T", ErrInvalidFilter, value)
	}
}

// toQdrantPayload converts metadata into Qdrant payload values. Unsupported
// value types are dropped.
func toQdrantPayload(metadata map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata)+1)
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		}
	}
	return payload
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	metadata := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			metadata[k] = val.BoolValue
		}
	}
	return metadata
}
