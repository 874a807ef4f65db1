package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Default SQLite connection settings.
const (
	DefaultMaxOpenConns = 4
	DefaultBusyTimeout  = 5 * time.Second
)

// Options tunes the SQLite connection pool.
type Options struct {
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// SQLite implements Store, SchemaExecutor, the operations ledger, and the
// migration history on a single SQLite database file.
type SQLite struct {
	sqliteWriter

	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// base schema.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultMaxOpenConns
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	for _, stmt := range allSchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &SQLite{sqliteWriter: sqliteWriter{q: db}, db: db, path: path}, nil
}

// Close closes the connection pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Acquire takes a dedicated connection from the pool.
func (s *SQLite) Acquire(ctx context.Context) (Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &sqliteConn{sqliteWriter: sqliteWriter{q: c}, conn: c}, nil
}

// ExecSchema runs statements in one transaction.
func (s *SQLite) ExecSchema(ctx context.Context, statements []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}

// IndexExists reports whether an index with the given name exists.
func (s *SQLite) IndexExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type sqliteConn struct {
	sqliteWriter

	conn *sql.Conn
}

func (c *sqliteConn) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTx{sqliteWriter: sqliteWriter{q: tx}, tx: tx}, nil
}

func (c *sqliteConn) Release() error {
	return c.conn.Close()
}

type sqliteTx struct {
	sqliteWriter

	tx *sql.Tx
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// queryer is satisfied by *sql.DB, *sql.Conn, and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteWriter struct {
	q queryer
}

// ExecuteBatchWrite applies rows in order. Without an enclosing transaction a
// failure leaves earlier rows of the batch written.
func (w sqliteWriter) ExecuteBatchWrite(ctx context.Context, kind WriteKind, rows []Record) ([]string, error) {
	switch kind {
	case WriteInsert:
		return w.insert(ctx, rows)
	case WriteUpdate:
		return w.update(ctx, rows)
	case WriteDelete:
		return w.delete(ctx, rows)
	}
	return nil, fmt.Errorf("unsupported write kind %q", kind)
}

func (w sqliteWriter) insert(ctx context.Context, rows []Record) ([]string, error) {
	now := time.Now().UTC()
	ids := make([]string, 0, len(rows))
	for i, r := range rows {
		id := r.ID
		if id == "" {
			u, err := uuid.NewV7()
			if err != nil {
				return ids, fmt.Errorf("generating id: %w", err)
			}
			id = u.String()
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		updated := r.UpdatedAt
		if updated.IsZero() {
			updated = created
		}
		hash := r.ContentHash
		if hash == "" {
			hash = ops.ContentHash(r.Content)
		}
		meta, err := encodeMap(r.Metadata)
		if err != nil {
			return ids, fmt.Errorf("row %d metadata: %w", i, err)
		}
		derived, err := encodeMap(r.Derived)
		if err != nil {
			return ids, fmt.Errorf("row %d derived fields: %w", i, err)
		}

		_, err = w.q.ExecContext(ctx, `
			INSERT INTO records (id, content, type, importance, metadata, content_hash, derived, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.Content, r.Type, r.Importance, meta, hash, derived,
			created.UTC().Format(timeLayout), updated.UTC().Format(timeLayout))
		if err != nil {
			return ids, fmt.Errorf("inserting row %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w sqliteWriter) update(ctx context.Context, rows []Record) ([]string, error) {
	now := time.Now().UTC()
	ids := make([]string, 0, len(rows))
	for i, r := range rows {
		if r.ID == "" {
			return ids, fmt.Errorf("updating row %d: record id is required", i)
		}
		updated := r.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		hash := r.ContentHash
		if hash == "" {
			hash = ops.ContentHash(r.Content)
		}
		meta, err := encodeMap(r.Metadata)
		if err != nil {
			return ids, fmt.Errorf("row %d metadata: %w", i, err)
		}
		derived, err := encodeMap(r.Derived)
		if err != nil {
			return ids, fmt.Errorf("row %d derived fields: %w", i, err)
		}

		res, err := w.q.ExecContext(ctx, `
			UPDATE records
			SET content = ?, type = ?, importance = ?, metadata = ?, content_hash = ?, derived = ?, updated_at = ?
			WHERE id = ?`,
			r.Content, r.Type, r.Importance, meta, hash, derived, updated.UTC().Format(timeLayout), r.ID)
		if err != nil {
			return ids, fmt.Errorf("updating row %d: %w", i, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ids, fmt.Errorf("updating row %d (%s): %w", i, r.ID, ErrRecordNotFound)
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// delete is tolerant of ids that no longer exist so inverse writes can be
// replayed.
func (w sqliteWriter) delete(ctx context.Context, rows []Record) ([]string, error) {
	ids := make([]string, 0, len(rows))
	for i, r := range rows {
		if r.ID == "" {
			return ids, fmt.Errorf("deleting row %d: record id is required", i)
		}
		if _, err := w.q.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, r.ID); err != nil {
			return ids, fmt.Errorf("deleting row %d: %w", i, err)
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// QueryMatching returns records matching p ordered by id.
func (w sqliteWriter) QueryMatching(ctx context.Context, p Predicate) ([]Record, error) {
	where, args := buildWhere(p)
	query := `SELECT id, content, type, importance, metadata, content_hash, derived, created_at, updated_at
		FROM records` + where + ` ORDER BY id`
	switch {
	case p.Limit > 0:
		query += ` LIMIT ?`
		args = append(args, p.Limit)
		if p.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, p.Offset)
		}
	case p.Offset > 0:
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, p.Offset)
	}

	rows, err := w.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountMatching counts records matching p, ignoring Limit and Offset.
func (w sqliteWriter) CountMatching(ctx context.Context, p Predicate) (int, error) {
	where, args := buildWhere(p)
	var count int
	if err := w.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec              Record
		meta, derived    string
		created, updated string
	)
	if err := rows.Scan(&rec.ID, &rec.Content, &rec.Type, &rec.Importance, &meta,
		&rec.ContentHash, &derived, &created, &updated); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	var err error
	if rec.Metadata, err = decodeMap(meta); err != nil {
		return Record{}, fmt.Errorf("record %s metadata: %w", rec.ID, err)
	}
	if rec.Derived, err = decodeMap(derived); err != nil {
		return Record{}, fmt.Errorf("record %s derived fields: %w", rec.ID, err)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

// buildWhere translates a predicate into a SQLite WHERE clause.
func buildWhere(p Predicate) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	inClause := func(column string, values []string) {
		clauses = append(clauses, column+" IN ("+placeholders(len(values))+")")
		for _, v := range values {
			args = append(args, v)
		}
	}

	if len(p.IDs) > 0 {
		inClause("id", p.IDs)
	}
	if len(p.Types) > 0 {
		inClause("type", p.Types)
	}
	if len(p.ContentHashes) > 0 {
		inClause("content_hash", p.ContentHashes)
	}
	if p.ContentContains != "" {
		clauses = append(clauses, "instr(lower(content), lower(?)) > 0")
		args = append(args, p.ContentContains)
	}
	if p.MinImportance != nil {
		clauses = append(clauses, "importance >= ?")
		args = append(args, *p.MinImportance)
	}
	if p.MaxImportance != nil {
		clauses = append(clauses, "importance <= ?")
		args = append(args, *p.MaxImportance)
	}
	if len(p.Metadata) > 0 {
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			clauses = append(clauses, "CAST(json_extract(metadata, ?) AS TEXT) = ?")
			args = append(args, jsonPath(k), p.Metadata[k])
		}
	}
	if p.CreatedAfter != nil {
		clauses = append(clauses, "created_at > ?")
		args = append(args, p.CreatedAfter.UTC().Format(timeLayout))
	}
	if p.CreatedBefore != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, p.CreatedBefore.UTC().Format(timeLayout))
	}
	if p.AfterID != "" {
		clauses = append(clauses, "id > ?")
		args = append(args, p.AfterID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func formatTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
