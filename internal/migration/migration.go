// Package migration applies versioned, dependency-ordered changes to the
// record store.
//
// A Migration is one unit of change with precondition and postcondition
// checks and an optional inverse. SchemaMigration runs DDL in a transaction,
// DataMigration rewrites matching records page by page through the batch
// executor, and StructureMigration combines the two. The Runner orders
// pending migrations with Resolve, executes them one at a time, and records
// every attempt in a HistoryStore.
package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/engine"
	"github.com/raold/second-brain-sub001/internal/store"
)

// Kind is what a migration changes.
type Kind string

// Migration kinds.
const (
	KindSchema    Kind = "schema"
	KindData      Kind = "data"
	KindStructure Kind = "structure"
	KindHybrid    Kind = "hybrid"
)

// ParseKind converts a kind name. The empty string is allowed and means any
// kind when used as a filter.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "", KindSchema, KindData, KindStructure, KindHybrid:
		return k, nil
	}
	return "", fmt.Errorf("unknown migration kind %q", s)
}

// Status is the state of a migration in history.
type Status string

// Migration states. Skipped, completed, failed and rolled_back are terminal
// for one attempt.
const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusSkipped    Status = "skipped"
)

// Metadata describes a migration. It is fixed when the migration is written.
type Metadata struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Version           *semver.Version `json:"version"`
	Kind              Kind            `json:"kind"`
	Author            string          `json:"author,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	Dependencies      []string        `json:"dependencies,omitempty"`
	Reversible        bool            `json:"reversible"`
	Checksum          string          `json:"checksum,omitempty"`
	EstimatedDuration time.Duration   `json:"estimated_duration,omitempty"`
}

// Validate checks the fields the runner relies on.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("migration id is required")
	}
	if m.Version == nil {
		return fmt.Errorf("migration %s: version is required", m.ID)
	}
	switch m.Kind {
	case KindSchema, KindData, KindStructure, KindHybrid:
	default:
		return fmt.Errorf("migration %s: unknown kind %q", m.ID, m.Kind)
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return fmt.Errorf("migration %s depends on itself", m.ID)
		}
	}
	return nil
}

// Checksum returns the hex SHA-256 over parts, each terminated by a NUL.
func Checksum(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// State is what an Apply leaves behind for a later Rollback or resume. It is
// stored as the checkpoint payload of the history record.
type State struct {
	// Affected is the number of records changed.
	Affected int `json:"affected"`

	// SchemaApplied is set once forward statements committed.
	SchemaApplied bool `json:"schema_applied,omitempty"`

	// RollbackPoints are the rollback checkpoints of each written page, in
	// write order.
	RollbackPoints []string `json:"rollback_points,omitempty"`

	// CheckpointID is the last page checkpoint; Cursor and Offset are the
	// keyset position and scanned-record count it recorded.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Cursor       string `json:"cursor,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// SchemaStore runs DDL and inspects the resulting schema.
type SchemaStore interface {
	store.SchemaExecutor
	IndexExists(ctx context.Context, name string) (bool, error)
}

// Env is what a migration may use while running.
type Env struct {
	Store       store.Store
	Schema      SchemaStore
	Executor    *engine.Executor
	Checkpoints checkpoint.Store

	// MigrationID and Config are set by the runner for each attempt.
	MigrationID string
	Config      RunConfig

	// Resume holds the state of a failed earlier attempt that may be
	// continued, or nil.
	Resume *State
}

// Migration is one unit of change.
type Migration interface {
	Metadata() Metadata

	// ValidatePreconditions returns nil when Apply may run.
	ValidatePreconditions(ctx context.Context, env *Env) error

	// Apply performs the change. The returned state is meaningful even when
	// err is non-nil: it describes what was written before the failure.
	Apply(ctx context.Context, env *Env) (State, error)

	// Rollback undoes what the state describes.
	Rollback(ctx context.Context, env *Env, state State) error

	// ValidatePostconditions returns nil when the change took effect.
	ValidatePostconditions(ctx context.Context, env *Env) error
}

// Check is a pre- or postcondition.
type Check func(ctx context.Context, env *Env) error

func runCheck(ctx context.Context, env *Env, c Check) error {
	if c == nil {
		return nil
	}
	return c(ctx, env)
}
