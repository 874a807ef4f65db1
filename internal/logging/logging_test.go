package logging

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithPath(t *testing.T) {
	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brainops.log")
		result := NewLoggerWithPath(Config{Level: "debug", Format: FormatJSON, Output: OutputFile, File: path})
		defer result.Close()

		assert.True(t, result.UsingFile)
		assert.Equal(t, path, result.FilePath)
		assert.Equal(t, zerolog.DebugLevel, result.Logger.GetLevel())
	})

	t.Run("missing file falls back", func(t *testing.T) {
		result := NewLoggerWithPath(Config{Output: OutputFile})
		assert.False(t, result.UsingFile)
		assert.True(t, result.FallbackUsed)
		assert.NotEmpty(t, result.FallbackReason)
	})

	t.Run("bad level defaults to info", func(t *testing.T) {
		l := NewLogger(Config{Level: "loud"})
		assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
	})
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	ctx := l.WithContext(context.Background())

	FromContext(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	require.NotNil(t, FromContext(context.Background()))
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))

	generated := GetOrGenerateTraceID(ctx)
	assert.Len(t, generated, 26)

	ctx = ContextWithTraceID(ctx, "trace-1")
	assert.Equal(t, "trace-1", GetOrGenerateTraceID(ctx))
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := ComponentLogger(zerolog.New(&buf), "engine")
	l.Info().Msg("x")
	assert.Contains(t, buf.String(), `"component":"engine"`)
}
