package transform

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/ops"
)

func TestLocal_ComputeDerivedFields(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	fields, err := l.ComputeDerivedFields(ctx, "Water the garden. Water the  tomatoes, then water the roses!")
	require.NoError(t, err)
	assert.Equal(t, 10, fields["word_count"])
	assert.Equal(t, []string{"water", "garden", "roses", "then", "tomatoes"}, fields["keywords"])

	vec, ok := fields["embedding"].([]float64)
	require.True(t, ok)
	assert.Len(t, vec, DefaultEmbeddingDim)
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-3)

	again, err := l.ComputeDerivedFields(ctx, "Water the garden.   Water the tomatoes, then water the roses!")
	require.NoError(t, err)
	assert.Equal(t, fields["embedding"], again["embedding"], "whitespace does not change the embedding")
}

func TestComputeAll(t *testing.T) {
	ctx := context.Background()

	t.Run("preserves order", func(t *testing.T) {
		out, err := ComputeAll(ctx, NewLocal(), []string{"one two three", "four"}, 2, time.Second)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, 3, out[0]["word_count"])
		assert.Equal(t, 1, out[1]["word_count"])
	})

	t.Run("nil computer", func(t *testing.T) {
		out, err := ComputeAll(ctx, nil, []string{"a", "b"}, 2, 0)
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("failure surfaces", func(t *testing.T) {
		boom := errors.New("embedding service down")
		_, err := ComputeAll(ctx, Func(func(context.Context, string) (map[string]any, error) {
			return nil, boom
		}), []string{"a"}, 1, time.Second)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("timeout", func(t *testing.T) {
		slow := Func(func(ctx context.Context, _ string) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		_, err := ComputeAll(ctx, slow, []string{"a", "b"}, 2, 20*time.Millisecond)
		assert.ErrorIs(t, err, ops.ErrTimeout)
	})
}
