// Package safety enforces operation-wide limits before any write happens and
// manages the rollback points that let an operation be undone.
package safety

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
	"github.com/raold/second-brain-sub001/internal/validation"
)

// Level is a safety strictness level.
type Level string

// Safety levels.
const (
	LevelRelaxed  Level = "relaxed"
	LevelStandard Level = "standard"
	LevelStrict   Level = "strict"
	LevelMaximum  Level = "maximum"
)

// ParseLevel converts a level name. The empty string maps to standard.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case LevelRelaxed, LevelStandard, LevelStrict, LevelMaximum:
		return l, nil
	case "":
		return LevelStandard, nil
	}
	return LevelStandard, fmt.Errorf("unknown safety level %q", s)
}

// Defaults.
const (
	DefaultMaxItemsPerOperation = 10000
	DefaultMaxOperationsPerHour = 100
	DefaultRateWindow           = time.Hour
	DefaultDedupRetention       = 24 * time.Hour
	DefaultDedupMaxEntries      = 100000

	anonymousCaller = "anonymous"
)

// kindCeilings are the per-kind item ceilings applied at strict and maximum.
var kindCeilings = map[Level]map[ops.Kind]int{
	LevelStrict: {
		ops.KindDelete: 1000,
		ops.KindUpdate: 5000,
	},
	LevelMaximum: {
		ops.KindDelete:  100,
		ops.KindUpdate:  1000,
		ops.KindInsert:  5000,
		ops.KindImport:  5000,
		ops.KindMigrate: 5000,
	},
}

// Config configures the enforcer.
type Config struct {
	Level                Level         `yaml:"level"                   json:"level"`
	MaxItemsPerOperation int           `yaml:"max_items_per_operation" json:"max_items_per_operation"`
	MaxOperationsPerHour int           `yaml:"max_operations_per_hour" json:"max_operations_per_hour"`
	RateWindow           time.Duration `yaml:"rate_window"             json:"rate_window"`
	DedupRetention       time.Duration `yaml:"dedup_retention"         json:"dedup_retention"`
	DedupMaxEntries      int           `yaml:"dedup_max_entries"       json:"dedup_max_entries"`
}

// DefaultConfig returns the standard-level configuration.
func DefaultConfig() Config {
	return Config{
		Level:                LevelStandard,
		MaxItemsPerOperation: DefaultMaxItemsPerOperation,
		MaxOperationsPerHour: DefaultMaxOperationsPerHour,
		RateWindow:           DefaultRateWindow,
		DedupRetention:       DefaultDedupRetention,
		DedupMaxEntries:      DefaultDedupMaxEntries,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Level == "" {
		c.Level = d.Level
	}
	if c.MaxItemsPerOperation <= 0 {
		c.MaxItemsPerOperation = d.MaxItemsPerOperation
	}
	if c.MaxOperationsPerHour <= 0 {
		c.MaxOperationsPerHour = d.MaxOperationsPerHour
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.DedupRetention <= 0 {
		c.DedupRetention = d.DedupRetention
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = d.DedupMaxEntries
	}
	return c
}

// Option customizes an Enforcer.
type Option func(*Enforcer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// Enforcer checks operation limits, tracks seen content across operations,
// and creates and executes rollback points. It is safe for concurrent use.
type Enforcer struct {
	cfg         Config
	checkpoints checkpoint.Store
	store       store.Store
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time

	seen *seenSet
}

// New creates an enforcer. checkpoints and st may be nil when rollback
// points are not needed.
func New(cfg Config, checkpoints checkpoint.Store, st store.Store, opts ...Option) *Enforcer {
	cfg = cfg.withDefaults()
	e := &Enforcer{
		cfg:         cfg,
		checkpoints: checkpoints,
		store:       st,
		logger:      zerolog.Nop(),
		now:         time.Now,
		windows:     make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.seen = newSeenSet(cfg.DedupRetention, cfg.DedupMaxEntries, e.now)
	return e
}

// Config returns the effective configuration.
func (e *Enforcer) Config() Config {
	return e.cfg
}

// CheckOperationSafety decides whether an operation of kind touching
// itemCount items may start. An accepted check counts against the caller's
// rate window; a rejected one does not.
func (e *Enforcer) CheckOperationSafety(kind ops.Kind, itemCount int, callerID string) validation.Result {
	r := validation.NewResult()
	r.Metadata["safety_level"] = string(e.cfg.Level)
	r.Metadata["item_count"] = itemCount

	if itemCount < 0 {
		r.AddError(validation.SeverityCritical, fmt.Sprintf("invalid item count %d", itemCount))
	}
	if itemCount > e.cfg.MaxItemsPerOperation {
		r.AddError(validation.SeverityCritical, fmt.Sprintf("item count %d exceeds per-operation limit %d",
			itemCount, e.cfg.MaxItemsPerOperation))
	}
	if limit, ok := kindCeilings[e.cfg.Level][kind]; ok && itemCount > limit {
		r.AddError(validation.SeverityCritical, fmt.Sprintf("%s of %d items exceeds the %s-level limit of %d",
			kind, itemCount, e.cfg.Level, limit))
	}

	caller := callerID
	if caller == "" {
		caller = anonymousCaller
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	recent := e.pruneWindow(caller, now)
	r.Metadata["operations_in_window"] = len(recent)

	if e.cfg.Level != LevelRelaxed && len(recent) >= e.cfg.MaxOperationsPerHour {
		r.AddError(validation.SeverityCritical, fmt.Sprintf("caller %s exceeded %d operations per %s",
			caller, e.cfg.MaxOperationsPerHour, e.cfg.RateWindow))
	}

	if !r.Valid {
		e.logger.Warn().
			Str("component", "safety").
			Str("kind", string(kind)).
			Str("caller", caller).
			Int("item_count", itemCount).
			Strs("reasons", r.Errors).
			Msg("operation rejected")
		return r
	}

	e.windows[caller] = append(recent, now)
	return r
}

// pruneWindow drops timestamps outside the rate window. Callers hold e.mu.
func (e *Enforcer) pruneWindow(caller string, now time.Time) []time.Time {
	cutoff := now.Add(-e.cfg.RateWindow)
	times := e.windows[caller]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == len(times) {
		delete(e.windows, caller)
		return nil
	}
	recent := times[i:]
	e.windows[caller] = recent
	return recent
}

// Violation converts a rejected safety result into an error wrapping
// ops.ErrSafetyViolation, or nil for an accepted one.
func Violation(r validation.Result) error {
	if r.Valid {
		return nil
	}
	return &ops.SafetyViolationError{Reasons: append([]string(nil), r.Errors...)}
}

// DetectDuplicates splits items into those whose content has not been seen
// and those that repeat content seen earlier in items or within the seen-set
// retention window. The first occurrence is kept. The seen-set is not
// modified; call Remember once the unique items are committed.
//
// Content is compared in its normalized form (see ops.NormalizeContent), so
// "a  b" repeats "a b" and "\u00e9" repeats "e\u0301".
func (e *Enforcer) DetectDuplicates(items []ops.BatchItem) (unique, duplicates []ops.BatchItem) {
	inBatch := make(map[string]struct{}, len(items))
	for _, item := range items {
		hash := ops.ContentHash(item.Content)
		if _, ok := inBatch[hash]; ok || e.seen.contains(hash) {
			duplicates = append(duplicates, item)
			continue
		}
		inBatch[hash] = struct{}{}
		unique = append(unique, item)
	}
	return unique, duplicates
}

// Remember adds the content of items to the cross-operation seen-set.
func (e *Enforcer) Remember(items []ops.BatchItem) {
	hashes := make([]string, 0, len(items))
	for _, item := range items {
		hashes = append(hashes, ops.ContentHash(item.Content))
	}
	e.seen.add(hashes...)
}

// SeenCount returns the number of live seen-set entries.
func (e *Enforcer) SeenCount() int {
	return e.seen.len()
}

// PurgeReport summarizes a maintenance pass.
type PurgeReport struct {
	Checkpoints int `json:"checkpoints"`
	SeenEntries int `json:"seen_entries"`
	RateWindows int `json:"rate_windows"`
}

// PurgeExpired removes checkpoints past their retention window, expired
// seen-set entries and idle rate windows. Nothing is purged implicitly.
func (e *Enforcer) PurgeExpired(now time.Time) (PurgeReport, error) {
	var report PurgeReport

	report.SeenEntries = e.seen.purge(now)

	e.mu.Lock()
	for caller := range e.windows {
		if e.pruneWindow(caller, now) == nil {
			report.RateWindows++
		}
	}
	e.mu.Unlock()

	if e.checkpoints != nil {
		n, err := e.checkpoints.PurgeExpired(now)
		report.Checkpoints = n
		if err != nil {
			return report, fmt.Errorf("purging checkpoints: %w", err)
		}
	}

	e.logger.Info().
		Str("component", "safety").
		Int("checkpoints", report.Checkpoints).
		Int("seen_entries", report.SeenEntries).
		Int("rate_windows", report.RateWindows).
		Msg("expired state purged")
	return report, nil
}
