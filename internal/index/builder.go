package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rivald/internal/embeddings"
	"github.com/fyrsmithlabs/rivald/internal/record"
	"github.com/fyrsmithlabs/rivald/internal/staging"
	"github.com/fyrsmithlabs/rivald/internal/vectorstore"
)

// Sentinel errors for index builds.
var (
	// ErrDimensionMismatch indicates the embedding provider returned vectors
	// of a different length than it declared. Always fatal to the build.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrBuildFailed wraps a dependency failure that exhausted its retries.
	ErrBuildFailed = errors.New("index build failed")
)

// SnapshotReader resolves a committed staging snapshot by token.
type SnapshotReader interface {
	SnapshotByToken(ctx context.Context, token string) (staging.Snapshot, error)
}

// Config holds builder tuning.
type Config struct {
	// Collection is the vector collection name.
	Collection string

	// ChunkSize bounds the number of texts per embedding request.
	ChunkSize int

	// MaxRetries bounds retries of a failed embedding chunk or upsert.
	MaxRetries int

	// RetryInterval is the initial backoff interval.
	RetryInterval time.Duration
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
}

// Builder turns a staging snapshot into vector index entries.
//
// A build is at-least-once across the service boundary: chunks already
// upserted are never rolled back when a later chunk fails. Callers must
// check the status document before trusting index completeness.
type Builder struct {
	staging  SnapshotReader
	provider embeddings.Provider
	store    vectorstore.Store
	config   Config
	logger   *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(staging SnapshotReader, provider embeddings.Provider, store vectorstore.Store, config Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Builder{
		staging:  staging,
		provider: provider,
		store:    store,
		config:   config,
		logger:   logger,
	}
}

// Build embeds and upserts the snapshot identified by token, returning the
// final status document. When forceRebuild is set, a reconciliation pass
// deletes entries left over from earlier builds; otherwise stale entries
// remain as documented staleness.
func (b *Builder) Build(ctx context.Context, buildID, token string, forceRebuild bool) (Status, error) {
	status := Status{
		BuildID:     buildID,
		State:       StateInProgress,
		Collection:  b.config.Collection,
		LastUpdated: time.Now().UTC(),
	}

	snap, err := b.staging.SnapshotByToken(ctx, token)
	if err != nil {
		return b.fail(ctx, status, fmt.Errorf("reading snapshot: %w", err))
	}

	if err := b.store.EnsureCollection(ctx, b.provider.Dimension()); err != nil {
		return b.fail(ctx, status, fmt.Errorf("ensuring collection: %w", err))
	}

	ingestDt := time.Now().UTC().Format(time.RFC3339)

	embeddable := make([]record.Canonical, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if rec.EmbedText() == "" {
			status.Skipped++
			continue
		}
		embeddable = append(embeddable, rec)
	}

	// Cancellation is cooperative between chunks; a chunk in flight runs
	// under a detached context and finishes, so the index never holds a
	// partial chunk.
	chunkCtx := context.WithoutCancel(ctx)
	for start := 0; start < len(embeddable); start += b.config.ChunkSize {
		if err := ctx.Err(); err != nil {
			return b.fail(chunkCtx, status, fmt.Errorf("build cancelled: %w", err))
		}

		end := start + b.config.ChunkSize
		if end > len(embeddable) {
			end = len(embeddable)
		}
		chunk := embeddable[start:end]

		entries, err := b.embedChunk(chunkCtx, chunk, buildID, ingestDt)
		if err != nil {
			return b.fail(chunkCtx, status, err)
		}

		if err := b.upsertChunk(chunkCtx, entries); err != nil {
			return b.fail(chunkCtx, status, err)
		}
		status.TotalVectors += len(entries)

		b.logger.Debug("chunk upserted",
			zap.String("build_id", buildID),
			zap.Int("chunk_start", start),
			zap.Int("chunk_size", len(entries)),
		)
	}

	if forceRebuild {
		pruned, err := b.store.PruneStale(ctx, buildID)
		if err != nil {
			return b.fail(ctx, status, fmt.Errorf("reconciliation pass: %w", err))
		}
		if pruned > 0 {
			b.logger.Info("pruned stale entries",
				zap.String("build_id", buildID),
				zap.Int("pruned", pruned),
			)
		}
	}

	status.State = StateSucceeded
	status.LastUpdated = time.Now().UTC()
	b.writeMetaEntry(chunkCtx, status, ingestDt)

	b.logger.Info("index build succeeded",
		zap.String("build_id", buildID),
		zap.Int("total_vectors", status.TotalVectors),
		zap.Int("skipped", status.Skipped),
	)
	return status, nil
}

// embedChunk embeds one chunk with bounded retry and converts the results
// into index entries.
func (b *Builder) embedChunk(ctx context.Context, chunk []record.Canonical, buildID, ingestDt string) ([]vectorstore.Entry, error) {
	texts := make([]string, len(chunk))
	for i, rec := range chunk {
		texts[i] = rec.EmbedText()
	}

	var vectors [][]float32
	operation := func() error {
		var err error
		vectors, err = b.provider.EmbedDocuments(ctx, texts)
		if err != nil {
			if errors.Is(err, embeddings.ErrEmbeddingFailed) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(operation, b.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("%w: embedding chunk: %v", ErrBuildFailed, err)
	}

	if len(vectors) != len(chunk) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrBuildFailed, len(vectors), len(chunk))
	}

	dim := b.provider.Dimension()
	entries := make([]vectorstore.Entry, len(chunk))
	for i, rec := range chunk {
		if len(vectors[i]) != dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, expected %d",
				ErrDimensionMismatch, i, len(vectors[i]), dim)
		}
		entries[i] = vectorstore.Entry{
			ID:       rec.ID,
			Vector:   Normalize(vectors[i]),
			Metadata: entryMetadata(rec, buildID, ingestDt),
		}
	}
	return entries, nil
}

// upsertChunk upserts one chunk with bounded retry on transient store errors.
func (b *Builder) upsertChunk(ctx context.Context, entries []vectorstore.Entry) error {
	operation := func() error {
		err := b.store.Upsert(ctx, entries)
		if err == nil {
			return nil
		}
		if vectorstore.IsTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(operation, b.newBackOff(ctx)); err != nil {
		return fmt.Errorf("%w: upserting chunk: %v", ErrBuildFailed, err)
	}
	return nil
}

func (b *Builder) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.RetryInterval
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(b.config.MaxRetries)), ctx)
}

// fail finalizes a failed status and records the reason.
func (b *Builder) fail(ctx context.Context, status Status, err error) (Status, error) {
	status.State = StateFailed
	status.Reason = err.Error()
	status.LastUpdated = time.Now().UTC()
	b.writeMetaEntry(ctx, status, status.LastUpdated.Format(time.RFC3339))
	b.logger.Error("index build failed",
		zap.String("build_id", status.BuildID),
		zap.Int("partial_vectors", status.TotalVectors),
		zap.Error(err),
	)
	return status, err
}

// writeMetaEntry mirrors the status document into the collection as a
// zero-vector meta point so it survives process restarts. Best effort: a
// write failure never changes the build outcome.
func (b *Builder) writeMetaEntry(ctx context.Context, status Status, ingestDt string) {
	entry := vectorstore.Entry{
		ID:     MetaEntryID,
		Vector: make([]float32, b.provider.Dimension()),
		Metadata: map[string]interface{}{
			"is_meta":       1,
			"build_id":      status.BuildID,
			"state":         status.State,
			"total_vectors": status.TotalVectors,
			"skipped_docs":  status.Skipped,
			"collection":    status.Collection,
			"ingest_dt":     ingestDt,
		},
	}
	if status.Reason != "" {
		entry.Metadata["reason"] = status.Reason
	}
	if err := b.store.Upsert(ctx, []vectorstore.Entry{entry}); err != nil {
		b.logger.Warn("failed to write status meta entry",
			zap.String("build_id", status.BuildID),
			zap.Error(err),
		)
	}
}

// entryMetadata builds the flat payload stored with each vector.
func entryMetadata(rec record.Canonical, buildID, ingestDt string) map[string]interface{} {
	metadata := map[string]interface{}{
		"id":        rec.ID,
		"name":      rec.Name,
		"is_meta":   0,
		"build_id":  buildID,
		"ingest_dt": ingestDt,
	}
	if rec.Industry != "" {
		metadata["industry"] = rec.Industry
	}
	if rec.FoundedYear != 0 {
		metadata["founded_year"] = rec.FoundedYear
	}
	if rec.Description != "" {
		metadata["description"] = rec.Description
	}
	for k, v := range rec.Metadata {
		if _, taken := metadata[k]; taken {
			continue
		}
		switch v.(type) {
		case string, bool, int, int64, float64:
			metadata[k] = v
		default:
			if s := record.FlattenValue(v); s != "" {
				metadata[k] = s
			}
		}
	}
	return metadata
}

// Normalize returns the L2-normalized copy of vec. Zero vectors are
// returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// FormatBuildID renders a monotonic build id from a timestamp and sequence.
func FormatBuildID(t time.Time, seq uint64) string {
	return t.UTC().Format("20060102T150405Z") + "-" + strconv.FormatUint(seq, 10)
}
