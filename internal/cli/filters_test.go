package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/ops"
)

func TestParsePredicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := ParsePredicate(ctx, []string{
		"id=a", "id=b",
		"type=semantic",
		"contains=deadline",
		"min-importance=0.25", "max-importance=0.75",
		"created-after=2025-01-02",
		"created-before=2025-02-01T10:00:00Z",
		"limit=5",
		"meta.Project=atlas",
		"  ",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.IDs)
	assert.Equal(t, []string{"semantic"}, p.Types)
	assert.Equal(t, "deadline", p.ContentContains)
	require.NotNil(t, p.MinImportance)
	require.NotNil(t, p.MaxImportance)
	assert.InDelta(t, 0.25, *p.MinImportance, 1e-9)
	assert.InDelta(t, 0.75, *p.MaxImportance, 1e-9)
	require.NotNil(t, p.CreatedAfter)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), *p.CreatedAfter)
	require.NotNil(t, p.CreatedBefore)
	assert.Equal(t, 10, p.CreatedBefore.Hour())
	assert.Equal(t, 5, p.Limit)
	assert.Equal(t, map[string]string{"Project": "atlas"}, p.Metadata)
}

func TestParsePredicate_Empty(t *testing.T) {
	t.Parallel()

	p, err := ParsePredicate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())
}

func TestParsePredicate_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter string
	}{
		{"missing equals", "type"},
		{"unknown key", "colour=red"},
		{"unknown type", "type=dream"},
		{"importance out of range", "min-importance=1.5"},
		{"importance not a number", "max-importance=high"},
		{"bad date", "created-after=yesterday"},
		{"zero limit", "limit=0"},
		{"empty metadata key", "meta.=x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParsePredicate(context.Background(), []string{tt.filter})
			require.Error(t, err)
			assert.ErrorIs(t, err, ops.ErrValidation)
		})
	}
}
