// Package record defines the canonical competitor-product record and the
// raw/error shapes that flow through the ingest pipeline.
package record

import (
	"fmt"
	"sort"
	"strings"
)

// Raw is an untyped source row as delivered by a record source. It is owned
// by the batch parser for the duration of a single batch pass and never
// stored.
type Raw map[string]interface{}

// Canonical is a validated competitor-product record. Instances are created
// per build, live in the staging store until superseded by the next
// successful snapshot swap, and are never mutated in place.
type Canonical struct {
	// ID is the unique identifier within a committed batch.
	ID string `json:"id"`

	// Name is the product name.
	Name string `json:"name"`

	// Industry is the product's industry or track (e.g. "automotive").
	Industry string `json:"industry"`

	// FoundedYear is the four-digit founding year, 0 if not provided.
	FoundedYear int `json:"founded_year"`

	// Description is the free-text product description.
	Description string `json:"description"`

	// Metadata holds any additional source fields that are not part of the
	// canonical schema. Values are kept as decoded JSON types.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EmbedText returns the text that represents this record for embedding:
// the name, industry and description joined with the flattened metadata
// values that look like text. Metadata is visited in sorted key order so an
// unchanged record always produces the same text, keeping rebuilds
// idempotent.
func (c Canonical) EmbedText() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{c.Name, c.Industry, c.Description} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	keys := make([]string, 0, len(c.Metadata))
	for k := range c.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s := FlattenValue(c.Metadata[k]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// FlattenValue renders a metadata value as plain text. List values are
// space-joined, scalars are stringified, empty values collapse to "".
func FlattenValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []string:
		return strings.TrimSpace(strings.Join(val, " "))
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := FlattenValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

// ParseError reports a single rejected source row. It is produced instead of
// a Canonical record and never aborts the batch.
type ParseError struct {
	// Row is the zero-based index of the offending row in the source feed.
	Row int `json:"row"`

	// Reason describes why the row was rejected.
	Reason string `json:"reason"`
}

// ReasonSupersededDuplicate marks an earlier occurrence of an id that a
// later row in the same batch replaced.
const ReasonSupersededDuplicate = "superseded-duplicate"

func (e ParseError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}
