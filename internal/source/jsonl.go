package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rivald/internal/record"
)

// maxLineSize bounds a single JSONL line (1 MB).
const maxLineSize = 1 << 20

// JSONLSource reads raw records from a JSON Lines file, one object per line.
// Blank lines are skipped. A malformed line becomes a raw record carrying the
// parse failure so the pipeline can count it instead of aborting the ingest.
type JSONLSource struct {
	file    *os.File
	scanner *bufio.Scanner
	logger  *zap.Logger

	mu     sync.Mutex
	line   int
	closed bool
	done   bool
}

// NewJSONLSource opens the file at path for batch reading.
func NewJSONLSource(path string, logger *zap.Logger) (*JSONLSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &JSONLSource{
		file:    f,
		scanner: scanner,
		logger:  logger,
	}, nil
}

// NextBatch reads up to size records from the file.
func (s *JSONLSource) NextBatch(ctx context.Context, size int) ([]record.Raw, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.done {
		return nil, io.EOF
	}

	batch := make([]record.Raw, 0, size)
	for len(batch) < size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading line %d: %w", s.line+1, err)
			}
			s.done = true
			break
		}
		s.line++

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw record.Raw
		if err := json.Unmarshal(line, &raw); err != nil {
			s.logger.Warn("malformed source line",
				zap.Int("line", s.line),
				zap.Error(err),
			)
			batch = append(batch, record.Raw{
				"__malformed__": err.Error(),
				"__line__":      s.line,
			})
			continue
		}
		batch = append(batch, raw)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Close closes the underlying file.
func (s *JSONLSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// SliceSource serves a fixed slice of raw records. It backs tests and
// in-process ingestion where records are already in memory.
type SliceSource struct {
	mu      sync.Mutex
	records []record.Raw
	offset  int
}

// NewSliceSource creates a SliceSource over the given records.
func NewSliceSource(records []record.Raw) *SliceSource {
	return &SliceSource{records: records}
}

// NextBatch returns the next chunk of the slice.
func (s *SliceSource) NextBatch(ctx context.Context, size int) ([]record.Raw, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offset >= len(s.records) {
		return nil, io.EOF
	}
	end := s.offset + size
	if end > len(s.records) {
		end = len(s.records)
	}
	batch := s.records[s.offset:end]
	s.offset = end
	return batch, nil
}

// Close is a no-op for slice sources.
func (s *SliceSource) Close() error {
	return nil
}
