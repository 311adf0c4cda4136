package parser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rivald/internal/record"
	"github.com/fyrsmithlabs/rivald/internal/source"
)

func parseAll(t *testing.T, rows []record.Raw, batchSize int) Result {
	t.Helper()
	result, err := New(nil).Parse(context.Background(), source.NewSliceSource(rows), batchSize)
	require.NoError(t, err)
	return result
}

func TestParse_CountInvariant(t *testing.T) {
	rows := []record.Raw{
		{"id": "a", "name": "Acme"},
		{"id": "", "name": "no id"},
		{"name": "missing id"},
		{"id": "b", "name": "Beta", "founded_year": "not-a-year"},
		{"id": "c", "name": "Gamma", "founded_year": 2020},
	}

	result := parseAll(t, rows, 2)

	assert.Len(t, result.Records, 2)
	assert.Len(t, result.Errors, 3)
	assert.Equal(t, len(rows), len(result.Records)+len(result.Errors),
		"every input row must yield exactly one output")
}

func TestParse_DuplicateLastWins(t *testing.T) {
	rows := []record.Raw{
		{"id": "a", "name": "Acme EV", "industry": "automotive", "founded_year": 2021},
		{"id": "a", "name": "Acme EV Corp", "industry": "automotive", "founded_year": 2022},
	}

	result := parseAll(t, rows, 10)

	require.Len(t, result.Records, 1)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "a", result.Records[0].ID)
	assert.Equal(t, "Acme EV Corp", result.Records[0].Name)
	assert.Equal(t, 2022, result.Records[0].FoundedYear)
	assert.Equal(t, 0, result.Errors[0].Row, "the earlier occurrence is demoted")
	assert.Equal(t, record.ReasonSupersededDuplicate, result.Errors[0].Reason)
}

func TestParse_TripleDuplicateAcrossBatches(t *testing.T) {
	rows := []record.Raw{
		{"id": "a", "name": "v1"},
		{"id": "b", "name": "other"},
		{"id": "a", "name": "v2"},
		{"id": "a", "name": "v3"},
	}

	// Batch size 1 forces the duplicates into separate batches.
	result := parseAll(t, rows, 1)

	require.Len(t, result.Records, 2)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "v3", result.Records[0].Name, "last occurrence wins")
	assert.Equal(t, "other", result.Records[1].Name)
	for _, perr := range result.Errors {
		assert.Equal(t, record.ReasonSupersededDuplicate, perr.Reason)
	}
	assert.ElementsMatch(t, []int{0, 2}, []int{result.Errors[0].Row, result.Errors[1].Row})
}

func TestParse_FoundedYearValidation(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		wantYear int
		wantErr  bool
	}{
		{name: "int year", value: 2021, wantYear: 2021},
		{name: "json float year", value: float64(1999), wantYear: 1999},
		{name: "string year", value: "2005", wantYear: 2005},
		{name: "fractional year", value: 2020.5, wantErr: true},
		{name: "three digits", value: 999, wantErr: true},
		{name: "five digits", value: 10000, wantErr: true},
		{name: "not a number", value: "soon", wantErr: true},
		{name: "absent", value: nil, wantYear: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := record.Raw{"id": "x", "name": "X"}
			if tt.value != nil {
				raw["founded_year"] = tt.value
			}
			result := parseAll(t, []record.Raw{raw}, 10)
			if tt.wantErr {
				require.Len(t, result.Errors, 1)
				assert.Empty(t, result.Records)
				return
			}
			require.Len(t, result.Records, 1)
			assert.Equal(t, tt.wantYear, result.Records[0].FoundedYear)
		})
	}
}

func TestParse_ExtraFieldsLandInMetadata(t *testing.T) {
	result := parseAll(t, []record.Raw{{
		"id":          "a",
		"name":        "Acme",
		"industry":    "automotive",
		"description": "EV maker",
		"hq":          "Berlin",
		"tags":        []interface{}{"ev", "battery"},
	}}, 10)

	require.Len(t, result.Records, 1)
	rec := result.Records[0]
	assert.Equal(t, "Berlin", rec.Metadata["hq"])
	assert.NotContains(t, rec.Metadata, "name")
	assert.NotContains(t, rec.Metadata, "industry")
}

func TestParse_MalformedSourceLine(t *testing.T) {
	result := parseAll(t, []record.Raw{
		{"__malformed__": "unexpected end of JSON input", "__line__": 3},
		{"id": "a", "name": "Acme"},
	}, 10)

	require.Len(t, result.Records, 1)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Reason, "malformed source line")
}

type failingSource struct{}

func (failingSource) NextBatch(context.Context, int) ([]record.Raw, error) {
	return nil, errors.New("disk gone")
}

func (failingSource) Close() error { return nil }

func TestParse_SourceFailureIsFatal(t *testing.T) {
	_, err := New(nil).Parse(context.Background(), failingSource{}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceRead)
}
