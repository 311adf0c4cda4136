package vectorstore

import "fmt"

// Entry is the unit upserted into the vector index: id, fixed-length vector
// and a flat metadata payload. Vector dimensionality is constant for a given
// collection and must match the embedding provider's declared dimension.
type Entry struct {
	// ID is the entry identifier, unique within the collection.
	ID string

	// Vector is the embedding. All entries of a collection share one length.
	Vector []float32

	// Metadata contains key-value pairs for filtering and display.
	Metadata map[string]interface{}
}

// Match is a ranked query result.
type Match struct {
	// ID is the entry identifier.
	ID string

	// Score is the similarity score (higher = more similar).
	Score float32

	// Metadata contains the entry metadata.
	Metadata map[string]interface{}
}

// Op is a filter comparison operator.
type Op string

// Supported filter operators.
const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGte Op = "gte"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
)

// ParseOp parses an operator name.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpEq, OpNe, OpGte, OpLte, OpGt, OpLt:
		return Op(s), nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, s)
	}
}

// Condition is a single field predicate.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// Filter is a conjunction of conditions; an entry matches when every
// condition holds.
type Filter []Condition

// Eq appends an equality condition and returns the extended filter.
func (f Filter) Eq(field string, value interface{}) Filter {
	return append(f, Condition{Field: field, Op: OpEq, Value: value})
}

// numericValue coerces a condition value for range comparison.
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
