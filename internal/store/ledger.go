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

// Item outcome statuses.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// OperationRecord is a row of the operations ledger.
type OperationRecord struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Config    json.RawMessage `json:"config,omitempty"`
	Progress  json.RawMessage `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ItemOutcome records what happened to one item of an operation.
type ItemOutcome struct {
	OperationID  string `json:"operation_id"`
	BatchNumber  int    `json:"batch_number"`
	Position     int    `json:"position"`
	TargetID     string `json:"target_id,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Ledger persists operation outcomes.
type Ledger interface {
	SaveOperation(ctx context.Context, rec OperationRecord) error
	RecordItemOutcomes(ctx context.Context, outcomes []ItemOutcome) error
}

// SaveOperation upserts an operations ledger row keyed by id.
func (s *SQLite) SaveOperation(ctx context.Context, rec OperationRecord) error {
	if rec.ID == "" {
		return errors.New("operation id is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, status, config, progress, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			config = excluded.config,
			progress = excluded.progress,
			result = excluded.result,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Kind, rec.Status,
		rawOrDefault(rec.Config, "{}"), rawOrDefault(rec.Progress, "{}"), rawOrNull(rec.Result),
		rec.CreatedAt.UTC().Format(timeLayout), rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving operation %s: %w", rec.ID, err)
	}
	return nil
}

// GetOperation loads one ledger row.
func (s *SQLite) GetOperation(ctx context.Context, id string) (*OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, config, progress, result, created_at, updated_at
		FROM operations WHERE id = ?`, id)
	rec, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, ops.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOperations returns ledger rows newest first, optionally filtered by
// status. A limit of zero or less returns every row.
func (s *SQLite) ListOperations(ctx context.Context, status string, limit int) ([]OperationRecord, error) {
	query := `SELECT id, kind, status, config, progress, result, created_at, updated_at FROM operations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RecordItemOutcomes appends per-item outcomes in one transaction.
func (s *SQLite) RecordItemOutcomes(ctx context.Context, outcomes []ItemOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning outcome transaction: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	for _, o := range outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operation_items (operation_id, batch_number, position, target_id, status, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.OperationID, o.BatchNumber, o.Position, nullString(o.TargetID), o.Status,
			nullString(ops.Truncate(o.ErrorMessage, ops.MaxErrorMessageLength)), now)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording item outcome: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing item outcomes: %w", err)
	}
	return nil
}

// ItemOutcomes returns the outcomes recorded for an operation in insertion order.
func (s *SQLite) ItemOutcomes(ctx context.Context, operationID string) ([]ItemOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, batch_number, position, target_id, status, error_message
		FROM operation_items WHERE operation_id = ? ORDER BY id`, operationID)
	if err != nil {
		return nil, fmt.Errorf("querying item outcomes: %w", err)
	}
	defer rows.Close()

	var out []ItemOutcome
	for rows.Next() {
		var (
			o              ItemOutcome
			target, errMsg sql.NullString
		)
		if err := rows.Scan(&o.OperationID, &o.BatchNumber, &o.Position, &target, &o.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning item outcome: %w", err)
		}
		o.TargetID = target.String
		o.ErrorMessage = errMsg.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// PurgeOperations removes terminal ledger rows (and their item outcomes)
// last updated before cutoff.
func (s *SQLite) PurgeOperations(ctx context.Context, cutoff time.Time) (int, error) {
	terminal := []any{
		string(ops.StatusCompleted), string(ops.StatusFailed),
		string(ops.StatusCancelled), string(ops.StatusRolledBack),
	}
	cut := cutoff.UTC().Format(timeLayout)
	args := append(append([]any{}, terminal...), cut)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning purge transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM operation_items WHERE operation_id IN (
			SELECT id FROM operations WHERE status IN (?, ?, ?, ?) AND updated_at < ?)`, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("purging item outcomes: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM operations WHERE status IN (?, ?, ?, ?) AND updated_at < ?`, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("purging operations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*OperationRecord, error) {
	var (
		rec                  OperationRecord
		config, progress     string
		result               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Status, &config, &progress, &result, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Config = json.RawMessage(config)
	rec.Progress = json.RawMessage(progress)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func rawOrDefault(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
