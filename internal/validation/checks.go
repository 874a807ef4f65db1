package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// Entropy thresholds in bits per character.
const (
	minEntropyLength = 20
	lowEntropy       = 1.0
	highEntropy      = 5.5
)

func checkMinimal(r *Result, item ops.BatchItem) {
	if strings.TrimSpace(item.Content) == "" {
		r.AddError(SeverityError, "content is required")
	}
	switch {
	case item.Type == "":
		r.AddError(SeverityError, "type is required")
	case !ops.IsKnownType(item.Type):
		r.AddError(SeverityError, fmt.Sprintf("unknown type %q", item.Type))
	}
	if math.IsNaN(item.Importance) || item.Importance < 0 || item.Importance > 1 {
		r.AddError(SeverityError, fmt.Sprintf("importance %v outside [0, 1]", item.Importance))
	}
}

func (p *Pipeline) checkStandard(r *Result, item ops.BatchItem) {
	if n := len(item.Content); n > p.opts.MaxContentLength {
		r.AddError(SeverityError, fmt.Sprintf("content length %d exceeds %d bytes", n, p.opts.MaxContentLength))
	}
	if !utf8.ValidString(item.Content) {
		r.AddError(SeverityError, "content is not valid UTF-8")
	}

	if len(item.Metadata) == 0 {
		return
	}
	if n := len(item.Metadata); n > p.opts.MaxMetadataKeys {
		r.AddError(SeverityError, fmt.Sprintf("metadata has %d keys, limit %d", n, p.opts.MaxMetadataKeys))
	}
	for k := range item.Metadata {
		if strings.TrimSpace(k) == "" {
			r.AddError(SeverityError, "metadata keys must be non-empty")
			break
		}
		if utf8.RuneCountInString(k) > p.opts.MaxMetadataKeyLength {
			r.AddError(SeverityError, fmt.Sprintf("metadata key %q exceeds %d characters",
				ops.Truncate(k, 32), p.opts.MaxMetadataKeyLength))
		}
	}
	if d := depth(item.Metadata); d > p.opts.MaxMetadataDepth {
		r.AddError(SeverityError, fmt.Sprintf("metadata nesting depth %d exceeds %d", d, p.opts.MaxMetadataDepth))
	}
	if _, err := json.Marshal(item.Metadata); err != nil {
		r.AddError(SeverityError, "metadata is not JSON-encodable: "+err.Error())
	}
}

// depth returns the container nesting depth of v; scalars are 0.
func depth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		deepest := 0
		for _, child := range t {
			deepest = max(deepest, depth(child))
		}
		return deepest + 1
	case []any:
		deepest := 0
		for _, child := range t {
			deepest = max(deepest, depth(child))
		}
		return deepest + 1
	case []string, []int, []float64:
		return 1
	}
	return 0
}

func checkStrict(r *Result, item ops.BatchItem) {
	r.set("content_hash", ops.ContentHash(item.Content))

	switch item.Type {
	case ops.TypeEpisodic:
		if !hasTimestamp(item.Metadata["occurred_at"]) {
			r.AddError(SeverityError, "episodic records require metadata.occurred_at as an RFC3339 date or timestamp")
		}
	case ops.TypeProcedural:
		if !hasSteps(item.Metadata["steps"]) {
			r.AddError(SeverityError, "procedural records require a non-empty metadata.steps list")
		}
	}

	if utf8.RuneCountInString(item.Content) >= minEntropyLength {
		e := shannonEntropy(item.Content)
		r.set("entropy", math.Round(e*1000)/1000)
		switch {
		case e < lowEntropy:
			r.AddError(SeverityError, fmt.Sprintf("low information content (entropy %.2f)", e))
		case e > highEntropy:
			r.AddWarning(fmt.Sprintf("unusually high entropy %.2f, content may be encoded or random", e))
		}
	}

	if patterns := detectCode(item.Content); len(patterns) > 0 {
		r.set("detected_patterns", patterns)
		r.AddWarning("content looks like source code: " + strings.Join(patterns, ", "))
	}
}

func hasTimestamp(v any) bool {
	s, ok := v.(string)
	if !ok {
		if t, ok := v.(time.Time); ok {
			return !t.IsZero()
		}
		return false
	}
	s = strings.TrimSpace(s)
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}

func hasSteps(v any) bool {
	switch t := v.(type) {
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	return false
}

// shannonEntropy returns the entropy of s in bits per rune.
func shannonEntropy(s string) float64 {
	counts := map[rune]int{}
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	if total == 0 {
		return 0
	}
	var e float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		e -= p * math.Log2(p)
	}
	return e
}

var codePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"go_func", regexp.MustCompile(`\bfunc\s+(\(\w+\s+\*?\w+\)\s*)?\w+\s*\(`)},
	{"python_def", regexp.MustCompile(`(?m)^\s*def\s+\w+\s*\(.*\)\s*:`)},
	{"class_decl", regexp.MustCompile(`(?m)^\s*(public\s+|private\s+)?class\s+\w+`)},
	{"import", regexp.MustCompile(`(?m)^\s*(import\s+[\w."(]|from\s+\w+\s+import\s|#include\s*<)`)},
	{"js_function", regexp.MustCompile(`\bfunction\s*\w*\s*\([^)]*\)\s*\{`)},
	{"arrow_function", regexp.MustCompile(`\([^)]*\)\s*=>\s*[{(]`)},
	{"statement_block", regexp.MustCompile(`\{[^{}]*;\s*\}`)},
}

func detectCode(content string) []string {
	var found []string
	for _, p := range codePatterns {
		if p.re.MatchString(content) {
			found = append(found, p.name)
		}
	}
	return found
}

func checkParanoid(r *Result, item ops.BatchItem) {
	text := scanText(item)

	var threats []string
	for _, p := range extendedSecurityPatterns {
		if p.re.MatchString(text) {
			threats = append(threats, p.category+":"+p.name)
		}
	}
	if len(threats) > 0 {
		r.set("security_threats", threats)
		r.AddError(SeverityCritical, "security scan matched: "+strings.Join(threats, ", "))
	}

	if pii := detectPII(text); len(pii) > 0 {
		r.set("pii_detected", pii)
		r.AddError(SeverityError, "content contains personal data: "+strings.Join(pii, ", "))
	}
}

// scanText joins content and string metadata values for pattern scanning.
func scanText(item ops.BatchItem) string {
	var b strings.Builder
	b.WriteString(item.Content)
	collectStrings(&b, item.Metadata, 0)
	return b.String()
}

func collectStrings(b *strings.Builder, v any, level int) {
	if level > DefaultMaxMetadataDepth+1 {
		return
	}
	switch t := v.(type) {
	case string:
		b.WriteByte('\n')
		b.WriteString(t)
	case map[string]any:
		for _, child := range t {
			collectStrings(b, child, level+1)
		}
	case []any:
		for _, child := range t {
			collectStrings(b, child, level+1)
		}
	case []string:
		for _, child := range t {
			collectStrings(b, child, level+1)
		}
	}
}
