package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// MigrationRecord is the durable history row for one migration id.
type MigrationRecord struct {
	MigrationID   string          `json:"migration_id"`
	Status        string          `json:"status"`
	Checksum      string          `json:"checksum,omitempty"`
	AppliedAt     *time.Time      `json:"applied_at,omitempty"`
	RolledBackAt  *time.Time      `json:"rolled_back_at,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
	AffectedItems int             `json:"affected_items"`
	Error         string          `json:"error,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// GetMigration returns the history row for id, or an error wrapping
// ops.ErrNotFound.
func (s *SQLite) GetMigration(ctx context.Context, id string) (*MigrationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT migration_id, status, checksum, applied_at, rolled_back_at, execution_ms,
		       affected_items, error, checkpoint, metadata, updated_at
		FROM migration_history WHERE migration_id = ?`, id)
	rec, err := scanMigration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("migration %s: %w", id, ops.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading migration %s: %w", id, err)
	}
	return rec, nil
}

// UpsertMigration writes rec over any previous row for the same id.
func (s *SQLite) UpsertMigration(ctx context.Context, rec MigrationRecord) error {
	if rec.MigrationID == "" {
		return errors.New("migration id is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_history (migration_id, status, checksum, applied_at, rolled_back_at,
			execution_ms, affected_items, error, checkpoint, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(migration_id) DO UPDATE SET
			status = excluded.status,
			checksum = excluded.checksum,
			applied_at = excluded.applied_at,
			rolled_back_at = excluded.rolled_back_at,
			execution_ms = excluded.execution_ms,
			affected_items = excluded.affected_items,
			error = excluded.error,
			checkpoint = excluded.checkpoint,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.MigrationID, rec.Status, rec.Checksum,
		formatTimePtr(rec.AppliedAt), formatTimePtr(rec.RolledBackAt),
		rec.ExecutionTime.Milliseconds(), rec.AffectedItems,
		nullString(rec.Error), rawOrNull(rec.Checkpoint), rawOrNull(rec.Metadata),
		rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving migration %s: %w", rec.MigrationID, err)
	}
	return nil
}

// ListMigrations returns every history row ordered by id.
func (s *SQLite) ListMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT migration_id, status, checksum, applied_at, rolled_back_at, execution_ms,
		       affected_items, error, checkpoint, metadata, updated_at
		FROM migration_history ORDER BY migration_id`)
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		rec, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning migration: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanMigration(row rowScanner) (*MigrationRecord, error) {
	var (
		rec                          MigrationRecord
		appliedAt, rolledBackAt      sql.NullString
		errMsg, checkpoint, metadata sql.NullString
		executionMS                  int64
		updatedAt                    string
	)
	if err := row.Scan(&rec.MigrationID, &rec.Status, &rec.Checksum, &appliedAt, &rolledBackAt,
		&executionMS, &rec.AffectedItems, &errMsg, &checkpoint, &metadata, &updatedAt); err != nil {
		return nil, err
	}
	rec.AppliedAt = parseNullTime(appliedAt)
	rec.RolledBackAt = parseNullTime(rolledBackAt)
	rec.ExecutionTime = time.Duration(executionMS) * time.Millisecond
	rec.Error = errMsg.String
	if checkpoint.Valid {
		rec.Checkpoint = json.RawMessage(checkpoint.String)
	}
	if metadata.Valid {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}
