// Package parser validates raw source rows into canonical records.
//
// The parser is single-pass and side-effect free: every input row produces
// exactly one output, either a canonical record or a parse error, so nothing
// is ever dropped silently. Only a source read failure is fatal.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rivald/internal/record"
	"github.com/fyrsmithlabs/rivald/internal/source"
)

// ErrSourceRead is returned when the underlying source cannot be read.
// Per-row validation failures never surface as errors from Parse.
var ErrSourceRead = errors.New("failed to read record source")

// canonicalFields are the raw keys mapped to fixed columns; anything else
// lands in the metadata map.
var canonicalFields = map[string]struct{}{
	"id":           {},
	"name":         {},
	"industry":     {},
	"founded_year": {},
	"description":  {},
}

// Result is the output of a full parse pass.
type Result struct {
	// Records are the validated canonical records, in source order with
	// duplicates resolved (last occurrence wins).
	Records []record.Canonical

	// Errors are the rejected rows. len(Records) + len(Errors) equals the
	// number of input rows.
	Errors []record.ParseError
}

// Parser turns raw rows into canonical records.
type Parser struct {
	logger *zap.Logger
}

// New creates a Parser.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse drains the source batch by batch and returns all canonical records
// and parse errors. Duplicate ids within the pass are resolved last-wins:
// the earlier occurrence is demoted to a ParseError.
func (p *Parser) Parse(ctx context.Context, src source.Source, batchSize int) (Result, error) {
	var (
		result  Result
		byID    = map[string]int{} // id -> index into result.Records
		rowOf   = map[string]int{} // id -> source row of current winner
		nextRow int
	)

	for {
		batch, err := src.NextBatch(ctx, batchSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Result{}, fmt.Errorf("%w: %v", ErrSourceRead, err)
		}

		for _, raw := range batch {
			row := nextRow
			nextRow++

			rec, perr := canonicalize(raw, row)
			if perr != nil {
				result.Errors = append(result.Errors, *perr)
				continue
			}

			if prev, dup := byID[rec.ID]; dup {
				result.Errors = append(result.Errors, record.ParseError{
					Row:    rowOf[rec.ID],
					Reason: record.ReasonSupersededDuplicate,
				})
				result.Records[prev] = rec
				rowOf[rec.ID] = row
				continue
			}
			byID[rec.ID] = len(result.Records)
			rowOf[rec.ID] = row
			result.Records = append(result.Records, rec)
		}
	}

	p.logger.Info("parse pass complete",
		zap.Int("records", len(result.Records)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// canonicalize validates one raw row.
func canonicalize(raw record.Raw, row int) (record.Canonical, *record.ParseError) {
	if reason, ok := raw["__malformed__"]; ok {
		return record.Canonical{}, &record.ParseError{
			Row:    row,
			Reason: fmt.Sprintf("malformed source line: %v", reason),
		}
	}

	id := strings.TrimSpace(stringField(raw["id"]))
	if id == "" {
		return record.Canonical{}, &record.ParseError{Row: row, Reason: "missing or empty id"}
	}

	name := strings.TrimSpace(stringField(raw["name"]))
	if name == "" {
		return record.Canonical{}, &record.ParseError{Row: row, Reason: "missing or empty name"}
	}

	rec := record.Canonical{
		ID:          id,
		Name:        name,
		Industry:    strings.TrimSpace(stringField(raw["industry"])),
		Description: strings.TrimSpace(stringField(raw["description"])),
	}

	if v, ok := raw["founded_year"]; ok && v != nil {
		year, err := coerceYear(v)
		if err != nil {
			return record.Canonical{}, &record.ParseError{
				Row:    row,
				Reason: fmt.Sprintf("invalid founded_year: %v", err),
			}
		}
		rec.FoundedYear = year
	}

	for k, v := range raw {
		if _, reserved := canonicalFields[k]; reserved {
			continue
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]interface{})
		}
		rec.Metadata[k] = v
	}

	return rec, nil
}

// coerceYear coerces a founded_year value into a 4-digit year.
func coerceYear(v interface{}) (int, error) {
	var year int
	switch n := v.(type) {
	case int:
		year = n
	case int64:
		year = int(n)
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		year = int(n)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		year = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if year < 1000 || year > 9999 {
		return 0, fmt.Errorf("%d is not a 4-digit year", year)
	}
	return year, nil
}

func stringField(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return record.FlattenValue(v)
	}
}
