package engine

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

func TestEncoder_Formats(t *testing.T) {
	t.Parallel()
	created := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	recs := []store.Record{
		{ID: "a1", Content: "first, with comma", Type: ops.TypeSemantic, Importance: 0.5, Metadata: map[string]any{"k": "v"}, CreatedAt: created},
		{ID: "a2", Content: "second", Type: ops.TypeEpisodic, Importance: 1},
	}

	tests := []struct {
		format ops.Format
		check  func(t *testing.T, out string)
	}{
		{ops.FormatJSON, func(t *testing.T, out string) {
			assert.True(t, strings.HasPrefix(out, "[\n"))
			assert.True(t, strings.HasSuffix(out, "\n]\n"))
			assert.Contains(t, out, `"created_at":"2025-05-01T09:30:00Z"`)
		}},
		{ops.FormatJSONL, func(t *testing.T, out string) {
			assert.Equal(t, 2, strings.Count(out, "\n"))
			assert.NotContains(t, out, "derived")
		}},
		{ops.FormatCSV, func(t *testing.T, out string) {
			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 3)
			assert.Equal(t, strings.Join(csvHeader, ","), lines[0])
			assert.Contains(t, lines[1], `"first, with comma"`)
		}},
		{ops.FormatYAML, func(t *testing.T, out string) {
			assert.Equal(t, 1, strings.Count(out, "\n---\n"))
			assert.Contains(t, out, "content: second")
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			enc, err := newEncoder(&buf, tt.format)
			require.NoError(t, err)
			for _, rec := range recs {
				require.NoError(t, enc.Encode(rec))
			}
			require.NoError(t, enc.Close())
			tt.check(t, buf.String())

			items, err := decodeItems(&buf, tt.format)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "a1", items[0].ID)
			assert.Equal(t, "first, with comma", items[0].Content)
			assert.Equal(t, "v", items[0].Metadata["k"])
			assert.Equal(t, 1, items[1].Position)
			assert.InDelta(t, 1.0, items[1].Importance, 1e-9)
		})
	}
}

func TestEncoder_UnknownFormat(t *testing.T) {
	t.Parallel()
	_, err := newEncoder(&bytes.Buffer{}, "xml")
	assert.Error(t, err)
	_, err = decodeItems(strings.NewReader("x"), "xml")
	assert.Error(t, err)
}

func TestDecodeItems(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		format  ops.Format
		payload string
		want    int
		wantErr string
	}{
		{"json single object", ops.FormatJSON, `{"content": "solo"}`, 1, ""},
		{"json empty", ops.FormatJSON, "  ", 0, "empty"},
		{"jsonl blank lines", ops.FormatJSONL, "{\"content\":\"a\"}\n\n{\"content\":\"b\"}\n", 2, ""},
		{"csv without content column", ops.FormatCSV, "id,type\n1,semantic\n", 0, "content"},
		{"csv bad importance", ops.FormatCSV, "content,importance\nhello,lots\n", 0, "line 2"},
		{"csv minimal", ops.FormatCSV, "content\nhello\nworld\n", 2, ""},
		{"yaml sequence", ops.FormatYAML, "- content: a\n- content: b\n- content: c\n", 3, ""},
		{"yaml documents", ops.FormatYAML, "content: a\n---\ncontent: b\n", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			items, err := decodeItems(strings.NewReader(tt.payload), tt.format)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, items, tt.want)
		})
	}
}
