package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: fmt.Errorf("item 3: %w", ErrValidation), want: ErrorKindValidation},
		{name: "safety typed", err: &SafetyViolationError{Reasons: []string{"too many"}}, want: ErrorKindSafety},
		{name: "storage", err: fmt.Errorf("%w: disk full", ErrTransientStorage), want: ErrorKindStorage},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorKindTimeout},
		{name: "timeout wins over storage", err: fmt.Errorf("%w: %w", ErrTransientStorage, ErrTimeout), want: ErrorKindTimeout},
		{name: "cycle", err: ErrDependencyCycle, want: ErrorKindCycle},
		{name: "checkpoint", err: ErrCheckpointCorrupted, want: ErrorKindCheckpoint},
		{name: "unknown", err: errors.New("boom"), want: ErrorKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSafetyViolationError(t *testing.T) {
	err := &SafetyViolationError{Reasons: []string{"a", "b"}}
	assert.True(t, errors.Is(err, ErrSafetyViolation))
	assert.Equal(t, "safety violation: a; b", err.Error())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Len(t, []rune(Truncate(strings.Repeat("é", 600), MaxErrorMessageLength)), MaxErrorMessageLength)
}

func TestErrorSummary(t *testing.T) {
	s := ErrorSummary{}
	s.Add(ErrorKindValidation, 2)
	s.Add(ErrorKindStorage, 1)
	s.Add(ErrorKindStorage, 0)
	assert.Equal(t, 3, s.Total())
	assert.Equal(t, "transient_storage=1, validation=2", s.String())
	assert.Equal(t, "none", ErrorSummary{}.String())
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{BatchSize: 10}.WithDefaults()
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "standard", cfg.ValidationLevel)
	assert.Equal(t, DuplicateSkip, cfg.DuplicateStrategy)
	assert.Equal(t, FormatJSON, cfg.Format)
}

func TestParsers(t *testing.T) {
	k, err := ParseKind(" Delete ")
	require.NoError(t, err)
	assert.Equal(t, KindDelete, k)
	_, err = ParseKind("explode")
	assert.Error(t, err)

	f, err := ParseFormat("ndjson")
	require.NoError(t, err)
	assert.Equal(t, FormatJSONL, f)

	d, err := ParseDuplicateStrategy("")
	require.NoError(t, err)
	assert.Equal(t, DuplicateSkip, d)
	_, err = ParseDuplicateStrategy("merge")
	assert.Error(t, err)

	st, err := ParseStatus("Rolled_Back")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, st)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestProgress(t *testing.T) {
	d := NewDescriptor(KindInsert, Config{})
	assert.True(t, strings.HasPrefix(d.ID, "op_"))

	p := NewProgress(d)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, 0.0, p.PercentComplete())

	p.TotalItems = 10
	p.SkippedItems = 2
	p.ProcessedItems = 4
	assert.InDelta(t, 50.0, p.PercentComplete(), 0.001)

	p.AddError(ItemError{Kind: ErrorKindValidation, Message: "bad"})
	clone := p.Clone()
	clone.Errors[0].Message = "changed"
	clone.ErrorSummary[ErrorKindValidation] = 99
	assert.Equal(t, "bad", p.Errors[0].Message)
	assert.Equal(t, 1, p.ErrorSummary[ErrorKindValidation])
}

func TestResultFromProgress(t *testing.T) {
	d := NewDescriptor(KindInsert, Config{})
	p := NewProgress(d)
	p.Status = StatusCompleted
	p.TotalItems = 4
	p.SuccessfulItems = 3
	p.ProcessedItems = 3
	p.SkippedItems = 1
	done := time.Now()
	p.CompletedAt = &done

	r := ResultFromProgress(p, []string{"a", "b", "c"})
	assert.True(t, r.Balanced())
	assert.True(t, r.Succeeded())
	assert.Equal(t, done, r.CompletedAt)
	assert.Len(t, r.IDs, 3)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.True(t, StatusRolledBack.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestContentHashNormalization(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{name: "identical", a: "note", b: "note", same: true},
		{name: "surrounding whitespace", a: "  note\n", b: "note", same: true},
		{name: "inner whitespace runs", a: "two\t\twords", b: "two words", same: true},
		{name: "composed and decomposed", a: "caf\u00e9", b: "cafe\u0301", same: true},
		{name: "case differs", a: "Note", b: "note"},
		{name: "whitespace removed entirely", a: "two words", b: "twowords"},
		{name: "punctuation differs", a: "note.", b: "note"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.same {
				assert.Equal(t, ContentHash(tt.a), ContentHash(tt.b))
				assert.Equal(t, NormalizeContent(tt.a), NormalizeContent(tt.b))
				return
			}
			assert.NotEqual(t, ContentHash(tt.a), ContentHash(tt.b))
		})
	}
	assert.Len(t, ContentHash(""), 64)
}
