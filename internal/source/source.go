// Package source provides record sources for the ingest pipeline.
//
// A Source yields raw records in batches; the parser downstream is
// responsible for validation and canonicalization. Sources report
// exhaustion with io.EOF after returning any final partial batch.
package source

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/rivald/internal/record"
)

// Sentinel errors for source operations.
var (
	// ErrSourceClosed is returned when reading from a closed source.
	ErrSourceClosed = errors.New("source is closed")

	// ErrInvalidBatchSize indicates a non-positive batch size.
	ErrInvalidBatchSize = errors.New("batch size must be positive")
)

// Source yields raw records batch by batch.
type Source interface {
	// NextBatch returns up to size raw records. It returns io.EOF once the
	// source is exhausted; a final partial batch is returned with a nil
	// error and the following call returns io.EOF.
	NextBatch(ctx context.Context, size int) ([]record.Raw, error)

	// Close releases underlying resources.
	Close() error
}
