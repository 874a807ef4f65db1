// Package validation checks batch items against a strictness level.
//
// Levels are cumulative: minimal ⊂ standard ⊂ strict ⊂ paranoid. A baseline
// security scan runs at every level. Validation is pure; it never touches the
// store and never mutates the item it inspects.
package validation

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// Level is a validation strictness level.
type Level int

// Validation levels, ordered from least to most strict.
const (
	LevelMinimal Level = iota
	LevelStandard
	LevelStrict
	LevelParanoid
)

// ParseLevel converts a level name. The empty string maps to standard.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal":
		return LevelMinimal, nil
	case "standard", "":
		return LevelStandard, nil
	case "strict":
		return LevelStrict, nil
	case "paranoid":
		return LevelParanoid, nil
	}
	return LevelStandard, fmt.Errorf("unknown validation level %q", s)
}

func (l Level) String() string {
	switch l {
	case LevelMinimal:
		return "minimal"
	case LevelStandard:
		return "standard"
	case LevelStrict:
		return "strict"
	case LevelParanoid:
		return "paranoid"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Severity grades the worst finding of a validation result.
type Severity string

// Severities in increasing order.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Result is the outcome of validating one item (or one operation, when
// produced by the safety enforcer).
type Result struct {
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Severity Severity       `json:"severity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewResult returns a valid result with info severity.
func NewResult() Result {
	return Result{Valid: true, Severity: SeverityInfo, Metadata: map[string]any{}}
}

// AddError records an error and marks the result invalid.
func (r *Result) AddError(sev Severity, msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
	r.raise(sev)
}

// AddWarning records a warning without affecting validity.
func (r *Result) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
	r.raise(SeverityWarning)
}

func (r *Result) raise(sev Severity) {
	if sev.rank() > r.Severity.rank() {
		r.Severity = sev
	}
}

func (r *Result) set(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// Err returns nil for a valid result, otherwise an error wrapping
// ops.ErrValidation.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ops.ErrValidation, strings.Join(r.Errors, "; "))
}

// Default limits.
const (
	DefaultMaxContentLength     = 100000
	DefaultMaxMetadataKeys      = 64
	DefaultMaxMetadataKeyLength = 128
	DefaultMaxMetadataDepth     = 5
	DefaultConcurrency          = 8
)

// Options bounds the standard-level checks and batch concurrency.
type Options struct {
	MaxContentLength     int `yaml:"max_content_length"      json:"max_content_length"`
	MaxMetadataKeys      int `yaml:"max_metadata_keys"       json:"max_metadata_keys"`
	MaxMetadataKeyLength int `yaml:"max_metadata_key_length" json:"max_metadata_key_length"`
	MaxMetadataDepth     int `yaml:"max_metadata_depth"      json:"max_metadata_depth"`
	Concurrency          int `yaml:"concurrency"             json:"concurrency"`
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MaxContentLength:     DefaultMaxContentLength,
		MaxMetadataKeys:      DefaultMaxMetadataKeys,
		MaxMetadataKeyLength: DefaultMaxMetadataKeyLength,
		MaxMetadataDepth:     DefaultMaxMetadataDepth,
		Concurrency:          DefaultConcurrency,
	}
}

// Pipeline validates items. It is safe for concurrent use.
type Pipeline struct {
	opts Options
}

// New creates a pipeline; zero-valued options take their defaults.
func New(opts Options) *Pipeline {
	d := DefaultOptions()
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = d.MaxContentLength
	}
	if opts.MaxMetadataKeys <= 0 {
		opts.MaxMetadataKeys = d.MaxMetadataKeys
	}
	if opts.MaxMetadataKeyLength <= 0 {
		opts.MaxMetadataKeyLength = d.MaxMetadataKeyLength
	}
	if opts.MaxMetadataDepth <= 0 {
		opts.MaxMetadataDepth = d.MaxMetadataDepth
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	return &Pipeline{opts: opts}
}

// Validate runs every check up to and including level, plus the baseline
// security scan.
func (p *Pipeline) Validate(item ops.BatchItem, level Level) Result {
	r := NewResult()
	r.set("level", level.String())

	checkBaselineSecurity(&r, item)
	checkMinimal(&r, item)
	if level >= LevelStandard {
		p.checkStandard(&r, item)
	}
	if level >= LevelStrict {
		checkStrict(&r, item)
	}
	if level >= LevelParanoid {
		checkParanoid(&r, item)
	}
	return r
}

// ValidateBatch validates items concurrently, bounded by the configured
// concurrency. Results are indexed like items. At strict level and above,
// repeated content within the batch is flagged with a warning on every
// occurrence after the first.
//
// On cancellation the partial results are discarded and the context error is
// returned; nothing is written, so stopping midway is always safe.
func (p *Pipeline) ValidateBatch(ctx context.Context, items []ops.BatchItem, level Level) ([]Result, error) {
	results := make([]Result, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.Validate(items[i], level)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if level >= LevelStrict {
		first := make(map[string]int, len(items))
		for i, item := range items {
			hash := ops.ContentHash(item.Content)
			if j, ok := first[hash]; ok {
				results[i].AddWarning(fmt.Sprintf("duplicate content of item at position %d", items[j].Position))
				results[i].set("duplicate_of", items[j].Position)
				continue
			}
			first[hash] = i
		}
	}
	return results, nil
}
