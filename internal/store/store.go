// Package store defines the storage backend the engine writes through and
// provides a SQLite implementation of it.
//
// The contract mirrors what the batch engine needs from any transactional
// backend: scoped connection acquisition, per-batch transactions, batched
// writes that return generated identifiers, and predicate queries used to
// select update and delete targets.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when an update targets a missing record.
var ErrRecordNotFound = errors.New("record not found")

// WriteKind selects the statement a batch write issues.
type WriteKind string

// Write kinds.
const (
	WriteInsert WriteKind = "insert"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// Record is a persisted row.
type Record struct {
	ID          string         `json:"id"                     yaml:"id"`
	Content     string         `json:"content"                yaml:"content"`
	Type        string         `json:"type"                   yaml:"type"`
	Importance  float64        `json:"importance"             yaml:"importance"`
	Metadata    map[string]any `json:"metadata,omitempty"     yaml:"metadata,omitempty"`
	ContentHash string         `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	Derived     map[string]any `json:"derived,omitempty"      yaml:"derived,omitempty"`
	CreatedAt   time.Time      `json:"created_at"             yaml:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"             yaml:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	c.Metadata = cloneMap(r.Metadata)
	c.Derived = cloneMap(r.Derived)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Predicate selects records. Zero-valued fields do not constrain the match;
// all set fields must hold.
type Predicate struct {
	IDs             []string          `json:"ids,omitempty"              yaml:"ids,omitempty"`
	Types           []string          `json:"types,omitempty"            yaml:"types,omitempty"`
	ContentHashes   []string          `json:"content_hashes,omitempty"   yaml:"content_hashes,omitempty"`
	ContentContains string            `json:"content_contains,omitempty" yaml:"content_contains,omitempty"`
	MinImportance   *float64          `json:"min_importance,omitempty"   yaml:"min_importance,omitempty"`
	MaxImportance   *float64          `json:"max_importance,omitempty"   yaml:"max_importance,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"         yaml:"metadata,omitempty"`
	CreatedAfter    *time.Time        `json:"created_after,omitempty"    yaml:"created_after,omitempty"`
	CreatedBefore   *time.Time        `json:"created_before,omitempty"   yaml:"created_before,omitempty"`

	// AfterID enables keyset pagination: only ids strictly greater match.
	AfterID string `json:"after_id,omitempty" yaml:"after_id,omitempty"`
	Limit   int    `json:"limit,omitempty"    yaml:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"   yaml:"offset,omitempty"`
}

// IsEmpty reports whether the predicate matches every record.
func (p Predicate) IsEmpty() bool {
	return len(p.IDs) == 0 && len(p.Types) == 0 && len(p.ContentHashes) == 0 &&
		p.ContentContains == "" && p.MinImportance == nil && p.MaxImportance == nil &&
		len(p.Metadata) == 0 && p.CreatedAfter == nil && p.CreatedBefore == nil && p.AfterID == ""
}

// Writer issues batched writes and predicate queries.
type Writer interface {
	// ExecuteBatchWrite applies rows and returns the affected identifiers in
	// row order. Inserts without an id get a generated one.
	ExecuteBatchWrite(ctx context.Context, kind WriteKind, rows []Record) ([]string, error)
	QueryMatching(ctx context.Context, p Predicate) ([]Record, error)
	CountMatching(ctx context.Context, p Predicate) (int, error)
}

// Tx is a single-batch transaction.
type Tx interface {
	Writer
	Commit() error
	Rollback() error
}

// Conn is a connection acquired from the pool. Release must be called on
// every exit path.
type Conn interface {
	Writer
	BeginTx(ctx context.Context) (Tx, error)
	Release() error
}

// Store hands out scoped connections.
type Store interface {
	Acquire(ctx context.Context) (Conn, error)
}

// SchemaExecutor applies schema statements inside one transaction.
type SchemaExecutor interface {
	ExecSchema(ctx context.Context, statements []string) error
}

// WithConn acquires a connection, runs fn, and releases the connection even
// when fn fails or panics.
func WithConn(ctx context.Context, s Store, fn func(Conn) error) (err error) {
	conn, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := conn.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(conn)
}

// WithTx runs fn inside a transaction on conn, committing on success and
// rolling back on error or panic.
func WithTx(ctx context.Context, conn Conn, fn func(Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}
