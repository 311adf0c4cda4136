// Package vectorstore defines the interface to the external vector index.
package vectorstore

import (
	"context"
	"errors"
	"regexp"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyEntries indicates empty or nil entries.
	ErrEmptyEntries = errors.New("empty or nil entries")

	// ErrConnectionFailed indicates the backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidFilter indicates an unsupported filter condition.
	ErrInvalidFilter = errors.New("invalid filter condition")
)

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name.
// Rejects uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return errors.Join(ErrInvalidCollectionName, errors.New("collection name cannot be empty"))
	}
	if !collectionNamePattern.MatchString(name) {
		return errors.Join(ErrInvalidCollectionName, errors.New("collection name must match ^[a-z0-9_]{1,64}$"))
	}
	return nil
}

// IsTransientError reports whether an error is worth retrying.
// Returns true for network timeouts and temporary unavailability,
// false for invalid arguments, not found, permission denied.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Store is the interface to the vector index backend.
//
// Implementations are transport-agnostic. Upsert is an idempotent merge
// keyed by entry id: re-running a build with unchanged data leaves the index
// in the same state.
//
// Implementations:
//   - QdrantStore: external Qdrant over gRPC
//   - ChromemStore: embedded chromem-go (dev mode and tests)
type Store interface {
	// EnsureCollection creates the configured collection with the given
	// vector dimension if it does not exist yet.
	EnsureCollection(ctx context.Context, dim int) error

	// Upsert inserts or overwrites entries by id.
	Upsert(ctx context.Context, entries []Entry) error

	// Query returns up to topK entries nearest to the vector, restricted to
	// entries matching every filter condition, ordered by descending score.
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)

	// Delete removes entries by their ids. Missing ids are not an error.
	Delete(ctx context.Context, ids []string) error

	// Fetch returns the stored entries for the given ids, skipping ids that
	// are not present.
	Fetch(ctx context.Context, ids []string) ([]Entry, error)

	// PruneStale deletes every non-meta entry whose build_id differs from
	// keepBuildID and returns the number of deleted entries. It backs the
	// force-rebuild reconciliation pass.
	PruneStale(ctx context.Context, keepBuildID string) (int, error)

	// Close releases the backend connection and resources.
	Close() error
}
