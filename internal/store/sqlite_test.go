package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/ops"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "brain.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLite_InsertAndQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	ids, err := db.ExecuteBatchWrite(ctx, WriteInsert, []Record{
		{Content: "alpha  note", Type: "semantic", Importance: 0.9, Metadata: map[string]any{"source": "cli"}},
		{Content: "beta note", Type: "episodic", Importance: 0.2},
		{ID: "fixed-id", Content: "gamma", Type: "semantic", Importance: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, "fixed-id", ids[2])
	assert.NotEmpty(t, ids[0])

	t.Run("by type", func(t *testing.T) {
		recs, err := db.QueryMatching(ctx, Predicate{Types: []string{"semantic"}})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("by metadata", func(t *testing.T) {
		recs, err := db.QueryMatching(ctx, Predicate{Metadata: map[string]string{"source": "cli"}})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "alpha  note", recs[0].Content)
		assert.Equal(t, ops.ContentHash("alpha note"), recs[0].ContentHash)
		assert.Equal(t, "cli", recs[0].Metadata["source"])
	})

	t.Run("by importance range", func(t *testing.T) {
		minImportance := 0.4
		n, err := db.CountMatching(ctx, Predicate{MinImportance: &minImportance})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("content contains is case insensitive", func(t *testing.T) {
		recs, err := db.QueryMatching(ctx, Predicate{ContentContains: "NOTE"})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("limit and offset", func(t *testing.T) {
		all, err := db.QueryMatching(ctx, Predicate{})
		require.NoError(t, err)
		require.Len(t, all, 3)

		page, err := db.QueryMatching(ctx, Predicate{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, all[1].ID, page[0].ID)

		rest, err := db.QueryMatching(ctx, Predicate{AfterID: all[0].ID})
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})
}

func TestSQLite_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	ids, err := db.ExecuteBatchWrite(ctx, WriteInsert, []Record{{Content: "before", Type: "semantic", Importance: 0.5}})
	require.NoError(t, err)

	_, err = db.ExecuteBatchWrite(ctx, WriteUpdate, []Record{{ID: ids[0], Content: "after", Type: "semantic", Importance: 0.7}})
	require.NoError(t, err)

	recs, err := db.QueryMatching(ctx, Predicate{IDs: ids})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "after", recs[0].Content)
	assert.Equal(t, ops.ContentHash("after"), recs[0].ContentHash)

	_, err = db.ExecuteBatchWrite(ctx, WriteUpdate, []Record{{ID: "missing", Content: "x", Type: "semantic"}})
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	_, err = db.ExecuteBatchWrite(ctx, WriteDelete, []Record{{ID: ids[0]}, {ID: "missing"}})
	require.NoError(t, err)
	n, err := db.CountMatching(ctx, Predicate{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_TransactionRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	boom := errors.New("boom")
	err := WithConn(ctx, db, func(conn Conn) error {
		return WithTx(ctx, conn, func(tx Tx) error {
			if _, err := tx.ExecuteBatchWrite(ctx, WriteInsert, []Record{{Content: "a", Type: "semantic"}}); err != nil {
				return err
			}
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	n, err := db.CountMatching(ctx, Predicate{})
	require.NoError(t, err)
	assert.Zero(t, n, "rolled back insert must not be visible")

	err = WithConn(ctx, db, func(conn Conn) error {
		return WithTx(ctx, conn, func(tx Tx) error {
			_, err := tx.ExecuteBatchWrite(ctx, WriteInsert, []Record{{Content: "b", Type: "semantic"}})
			return err
		})
	})
	require.NoError(t, err)
	n, err = db.CountMatching(ctx, Predicate{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_ExecSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.ExecSchema(ctx, []string{
		`CREATE INDEX IF NOT EXISTS idx_test_type ON records(type)`,
	}))
	ok, err := db.IndexExists(ctx, "idx_test_type")
	require.NoError(t, err)
	assert.True(t, ok)

	err = db.ExecSchema(ctx, []string{
		`CREATE INDEX IF NOT EXISTS idx_test_importance ON records(importance)`,
		`CREATE INDEX broken ON no_such_table(x)`,
	})
	require.Error(t, err)
	ok, err = db.IndexExists(ctx, "idx_test_importance")
	require.NoError(t, err)
	assert.False(t, ok, "schema statements must apply atomically")
}

func TestSQLite_Ledger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	rec := OperationRecord{ID: "op_1", Kind: "insert", Status: "running", Config: json.RawMessage(`{"batch_size":2}`)}
	require.NoError(t, db.SaveOperation(ctx, rec))
	rec.Status = "completed"
	rec.Result = json.RawMessage(`{"successful_items":3}`)
	require.NoError(t, db.SaveOperation(ctx, rec))

	got, err := db.GetOperation(ctx, "op_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.JSONEq(t, `{"successful_items":3}`, string(got.Result))

	_, err = db.GetOperation(ctx, "op_missing")
	assert.ErrorIs(t, err, ops.ErrNotFound)

	list, err := db.ListOperations(ctx, "completed", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.RecordItemOutcomes(ctx, []ItemOutcome{
		{OperationID: "op_1", BatchNumber: 1, Position: 0, TargetID: "r1", Status: OutcomeSuccess},
		{OperationID: "op_1", BatchNumber: 0, Position: 1, Status: OutcomeSkipped, ErrorMessage: "empty content"},
	}))
	outcomes, err := db.ItemOutcomes(ctx, "op_1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "r1", outcomes[0].TargetID)
	assert.Equal(t, "empty content", outcomes[1].ErrorMessage)

	purged, err := db.PurgeOperations(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	outcomes, err = db.ItemOutcomes(ctx, "op_1")
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestSQLite_MigrationHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.GetMigration(ctx, "001")
	assert.ErrorIs(t, err, ops.ErrNotFound)

	applied := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.UpsertMigration(ctx, MigrationRecord{
		MigrationID: "001", Status: "failed", Error: "boom", ExecutionTime: 1500 * time.Millisecond,
	}))
	require.NoError(t, db.UpsertMigration(ctx, MigrationRecord{
		MigrationID: "001", Status: "completed", Checksum: "abc", AppliedAt: &applied,
		AffectedItems: 7, Metadata: json.RawMessage(`{"name":"first"}`),
	}))

	got, err := db.GetMigration(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Empty(t, got.Error, "upsert replaces the previous attempt")
	assert.Equal(t, 7, got.AffectedItems)
	require.NotNil(t, got.AppliedAt)
	assert.True(t, applied.Equal(*got.AppliedAt))
	assert.Nil(t, got.RolledBackAt)

	list, err := db.ListMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
