// Package ops defines the data model shared by the batch and migration engine:
// items, operation descriptors, live progress, final results, and the error
// taxonomy used to classify failures.
package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies what an operation does.
type Kind string

// Operation kinds.
const (
	KindInsert  Kind = "insert"
	KindUpdate  Kind = "update"
	KindDelete  Kind = "delete"
	KindImport  Kind = "import"
	KindExport  Kind = "export"
	KindMigrate Kind = "migrate"
	KindAnalyze Kind = "analyze"
	KindCleanup Kind = "cleanup"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindImport, KindExport, KindMigrate, KindAnalyze, KindCleanup:
		return k, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// Writes reports whether the kind mutates the store.
func (k Kind) Writes() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindImport, KindMigrate, KindCleanup:
		return true
	case KindExport, KindAnalyze:
		return false
	}
	return false
}

// Status is the lifecycle state of an operation.
//
//	pending -> running -> [paused] -> completed | failed | cancelled | rolled_back
type Status string

// Operation statuses.
const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRolledBack Status = "rolled_back"
)

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack:
		return st, nil
	}
	return "", fmt.Errorf("unknown operation status %q", s)
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack:
		return true
	case StatusPending, StatusRunning, StatusPaused:
		return false
	}
	return false
}

// Record types accepted by the store.
const (
	TypeSemantic   = "semantic"
	TypeEpisodic   = "episodic"
	TypeProcedural = "procedural"
	TypeWorking    = "working"
)

// KnownTypes lists every accepted record type.
func KnownTypes() []string {
	return []string{TypeSemantic, TypeEpisodic, TypeProcedural, TypeWorking}
}

// IsKnownType reports whether t is an accepted record type.
func IsKnownType(t string) bool {
	for _, known := range KnownTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// BatchItem is a single record submitted for writing.
//
// Items are annotated with ValidationErrors during validation and are
// otherwise treated as immutable once enqueued.
type BatchItem struct {
	// ID is the existing record identifier; set for updates, empty for inserts.
	ID         string         `json:"id,omitempty"         yaml:"id,omitempty"`
	Content    string         `json:"content"              yaml:"content"`
	Type       string         `json:"type"                 yaml:"type"`
	Importance float64        `json:"importance"           yaml:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"   yaml:"metadata,omitempty"`

	// Position is the 0-based index of the item in the submitted list.
	Position int `json:"-" yaml:"-"`

	ValidationErrors []string `json:"-" yaml:"-"`
}

// Key identifies an item for checkpoint bookkeeping: the record id when
// present, otherwise its position in the submitted list.
func (i BatchItem) Key() string {
	if i.ID != "" {
		return i.ID
	}
	return fmt.Sprintf("pos:%d", i.Position)
}

// DuplicateStrategy selects what an import does with records whose content
// already exists in the store.
type DuplicateStrategy string

// Duplicate strategies.
const (
	DuplicateSkip    DuplicateStrategy = "skip"
	DuplicateUpdate  DuplicateStrategy = "update"
	DuplicateReplace DuplicateStrategy = "replace"
	DuplicateAppend  DuplicateStrategy = "append"
)

// ParseDuplicateStrategy converts a string into a DuplicateStrategy.
func ParseDuplicateStrategy(s string) (DuplicateStrategy, error) {
	d := DuplicateStrategy(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DuplicateSkip, DuplicateUpdate, DuplicateReplace, DuplicateAppend:
		return d, nil
	case "":
		return DuplicateSkip, nil
	}
	return "", fmt.Errorf("unknown duplicate strategy %q", s)
}

// Format is a serialization format for import and export.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
	FormatYAML  Format = "yaml"
)

// ParseFormat converts a string into a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatJSON, FormatJSONL, FormatCSV, FormatYAML:
		return f, nil
	case "ndjson":
		return FormatJSONL, nil
	case "yml":
		return FormatYAML, nil
	case "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Default operation configuration.
const (
	DefaultBatchSize           = 100
	DefaultMaxRetries          = 3
	DefaultTimeout             = 30 * time.Second
	DefaultWorkers             = 4
	DefaultCheckpointFrequency = 1000
	DefaultSafetyLimit         = 1000
)

// Config is the per-operation configuration carried by a Descriptor.
type Config struct {
	BatchSize           int               `json:"batch_size"                  yaml:"batch_size"`
	MaxRetries          int               `json:"max_retries"                 yaml:"max_retries"`
	Timeout             time.Duration     `json:"timeout"                     yaml:"timeout"`
	ValidationLevel     string            `json:"validation_level"            yaml:"validation_level"`
	EnableRollback      bool              `json:"enable_rollback"             yaml:"enable_rollback"`
	ContinueOnError     bool              `json:"continue_on_error"           yaml:"continue_on_error"`
	DetectDuplicates    bool              `json:"detect_duplicates"           yaml:"detect_duplicates"`
	Workers             int               `json:"workers"                     yaml:"workers"`
	CheckpointFrequency int               `json:"checkpoint_frequency"        yaml:"checkpoint_frequency"`
	SafetyLimit         int               `json:"safety_limit"                yaml:"safety_limit"`
	CallerID            string            `json:"caller_id,omitempty"         yaml:"caller_id,omitempty"`
	WritesPerSecond     float64           `json:"writes_per_second,omitempty" yaml:"writes_per_second,omitempty"`
	Format              Format            `json:"format,omitempty"            yaml:"format,omitempty"`
	DuplicateStrategy   DuplicateStrategy `json:"duplicate_strategy,omitempty" yaml:"duplicate_strategy,omitempty"`
	ResumeFrom          string            `json:"resume_from,omitempty"       yaml:"resume_from,omitempty"`
}

// DefaultConfig returns the configuration used when a caller sets nothing.
func DefaultConfig() Config {
	return Config{
		BatchSize:           DefaultBatchSize,
		MaxRetries:          DefaultMaxRetries,
		Timeout:             DefaultTimeout,
		ValidationLevel:     "standard",
		EnableRollback:      true,
		Workers:             DefaultWorkers,
		CheckpointFrequency: DefaultCheckpointFrequency,
		SafetyLimit:         DefaultSafetyLimit,
		Format:              FormatJSON,
		DuplicateStrategy:   DuplicateSkip,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ValidationLevel == "" {
		c.ValidationLevel = d.ValidationLevel
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.CheckpointFrequency <= 0 {
		c.CheckpointFrequency = d.CheckpointFrequency
	}
	if c.SafetyLimit <= 0 {
		c.SafetyLimit = d.SafetyLimit
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.DuplicateStrategy == "" {
		c.DuplicateStrategy = d.DuplicateStrategy
	}
	return c
}

// Descriptor identifies one submitted operation. It is created once per
// submission and never modified.
type Descriptor struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDescriptor creates a descriptor with a fresh operation id.
func NewDescriptor(kind Kind, cfg Config) Descriptor {
	return Descriptor{
		ID:        NewOperationID(),
		Kind:      kind,
		Config:    cfg.WithDefaults(),
		CreatedAt: time.Now().UTC(),
	}
}

// NewOperationID returns a new opaque, lexically sortable operation id.
func NewOperationID() string {
	return "op_" + ulid.Make().String()
}
