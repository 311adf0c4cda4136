package vectorstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple lowercase", input: "competitor_products"},
		{name: "with digits", input: "products_v2"},
		{name: "empty", input: "", wantErr: true},
		{name: "uppercase", input: "Products", wantErr: true},
		{name: "hyphen", input: "my-collection", wantErr: true},
		{name: "path traversal", input: "../etc", wantErr: true},
		{name: "spaces", input: "my collection", wantErr: true},
		{name: "too long", input: string(make([]byte, 65)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCollectionName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unavailable", err: status.Error(grpccodes.Unavailable, "down"), want: true},
		{name: "deadline exceeded", err: status.Error(grpccodes.DeadlineExceeded, "slow"), want: true},
		{name: "aborted", err: status.Error(grpccodes.Aborted, "conflict"), want: true},
		{name: "resource exhausted", err: status.Error(grpccodes.ResourceExhausted, "quota"), want: true},
		{name: "invalid argument", err: status.Error(grpccodes.InvalidArgument, "bad"), want: false},
		{name: "not found", err: status.Error(grpccodes.NotFound, "missing"), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestParseOp(t *testing.T) {
	for _, valid := range []string{"eq", "ne", "gte", "lte", "gt", "lt"} {
		op, err := ParseOp(valid)
		assert.NoError(t, err)
		assert.Equal(t, Op(valid), op)
	}

	_, err := ParseOp("near")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestFilterEq(t *testing.T) {
	f := Filter{}.Eq("industry", "automotive").Eq("is_meta", 0)
	assert.Len(t, f, 2)
	assert.Equal(t, OpEq, f[0].Op)
	assert.Equal(t, "is_meta", f[1].Field)
}
