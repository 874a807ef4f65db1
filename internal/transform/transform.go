// Package transform computes the derived fields stored alongside each record
// before it is written: lexical statistics, keywords and a hashed embedding.
//
// The Computer interface is the boundary to an external embedding service;
// Local is the in-process implementation used when none is configured.
package transform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// Computer derives auxiliary data from record content. Implementations may
// call remote services and must honor ctx.
type Computer interface {
	ComputeDerivedFields(ctx context.Context, content string) (map[string]any, error)
}

// Func adapts a function to Computer.
type Func func(ctx context.Context, content string) (map[string]any, error)

// ComputeDerivedFields calls f.
func (f Func) ComputeDerivedFields(ctx context.Context, content string) (map[string]any, error) {
	return f(ctx, content)
}

// Defaults for Local.
const (
	DefaultEmbeddingDim = 32
	DefaultKeywords     = 5
	summaryRunes        = 160
)

// Local computes derived fields deterministically without network calls.
type Local struct {
	EmbeddingDim int
	Keywords     int
}

// NewLocal returns a Local with default dimensions.
func NewLocal() *Local {
	return &Local{EmbeddingDim: DefaultEmbeddingDim, Keywords: DefaultKeywords}
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "we": {}, "you": {}, "before": {}, "after": {},
}

// ComputeDerivedFields returns word_count, char_count, summary, keywords and
// a unit-length feature-hashed embedding of the normalized content.
func (l *Local) ComputeDerivedFields(ctx context.Context, content string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dim := l.EmbeddingDim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	topN := l.Keywords
	if topN <= 0 {
		topN = DefaultKeywords
	}

	normalized := ops.NormalizeContent(content)
	words := tokenize(normalized)

	counts := map[string]int{}
	vec := make([]float64, dim)
	for _, w := range words {
		h := xxhash.Sum64String(w)
		sign := 1.0
		if h&1 == 1 {
			sign = -1.0
		}
		vec[(h>>1)%uint64(dim)] += sign
		if _, stop := stopwords[w]; !stop && len(w) > 2 {
			counts[w]++
		}
	}
	normalize(vec)

	return map[string]any{
		"word_count": len(words),
		"char_count": len([]rune(normalized)),
		"summary":    ops.Truncate(normalized, summaryRunes),
		"keywords":   topKeywords(counts, topN),
		"embedding":  vec,
	}, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = math.Round(vec[i]/norm*1e6) / 1e6
	}
}

func topKeywords(counts map[string]int, n int) []string {
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

// ComputeAll derives fields for every content string with at most workers
// calls in flight. The whole call is bounded by timeout; on expiry the
// returned error wraps ops.ErrTimeout.
func ComputeAll(ctx context.Context, c Computer, contents []string, workers int, timeout time.Duration) ([]map[string]any, error) {
	if c == nil {
		return make([]map[string]any, len(contents)), nil
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := make([]map[string]any, len(contents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, content := range contents {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fields, err := c.ComputeDerivedFields(gctx, content)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = fields
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: computing derived fields: %w", ops.ErrTimeout, err)
		}
		return nil, err
	}
	return out, nil
}
