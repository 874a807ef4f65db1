package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/engine"
	"github.com/raold/second-brain-sub001/internal/events"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/safety"
	"github.com/raold/second-brain-sub001/internal/store"
)

func newEnv(t *testing.T) (Env, *store.SQLite) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "brain.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cps, err := checkpoint.NewFileStore(filepath.Join(dir, "checkpoints"), time.Hour)
	require.NoError(t, err)

	enforcer := safety.New(safety.Config{Level: safety.LevelRelaxed}, cps, db)
	exec := engine.New(db, engine.WithLedger(db), engine.WithCheckpoints(cps), engine.WithSafety(enforcer))
	return Env{Store: db, Schema: db, Executor: exec, Checkpoints: cps}, db
}

func seedRecords(t *testing.T, db *store.SQLite, rows ...store.Record) []string {
	t.Helper()
	for i := range rows {
		if rows[i].Type == "" {
			rows[i].Type = ops.TypeSemantic
		}
	}
	ids, err := db.ExecuteBatchWrite(context.Background(), store.WriteInsert, rows)
	require.NoError(t, err)
	return ids
}

func loadRecords(t *testing.T, db *store.SQLite, ids []string) map[string]store.Record {
	t.Helper()
	recs, err := db.QueryMatching(context.Background(), store.Predicate{IDs: ids})
	require.NoError(t, err)
	out := make(map[string]store.Record, len(recs))
	for _, r := range recs {
		out[r.ID] = r
	}
	return out
}

func testConfig() RunConfig {
	cfg := DefaultRunConfig()
	cfg.BatchSize = 2
	return cfg
}

func TestRunner_Builtin(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	ids := seedRecords(t, db,
		store.Record{Content: "  spaced   out  note ", Importance: 0.01},
		store.Record{Content: "tidy note", Importance: 0.5},
		store.Record{Content: "another\t\tmessy note", Importance: 0.02},
	)

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	r := NewRunner(db, env, WithBus(bus))
	require.NoError(t, r.Register(Builtin()...))

	results, err := r.ExecutePending(ctx, testConfig(), "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, StatusCompleted, res.Status, "%s: %s", res.MigrationID, res.Error)
	}
	assert.Equal(t, []string{"001_record_indexes", "002_normalize_content", "003_importance_floor"},
		[]string{results[0].MigrationID, results[1].MigrationID, results[2].MigrationID})
	assert.Equal(t, 2, results[1].AffectedItems)
	assert.Equal(t, 2, results[2].AffectedItems)

	recs := loadRecords(t, db, ids)
	assert.Equal(t, "spaced out note", recs[ids[0]].Content)
	assert.Equal(t, ops.ContentHash("spaced out note"), recs[ids[0]].ContentHash)
	assert.Equal(t, "another messy note", recs[ids[2]].Content)
	assert.InDelta(t, ImportanceFloor, recs[ids[0]].Importance, 1e-9)
	assert.InDelta(t, 0.5, recs[ids[1]].Importance, 1e-9)

	for _, name := range []string{"idx_records_type", "idx_records_created_at", "idx_records_importance"} {
		ok, err := db.IndexExists(ctx, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	assert.Len(t, ch, 3, "one event per migration")

	t.Run("re-execution is skipped", func(t *testing.T) {
		res, err := r.ExecuteMigration(ctx, "002_normalize_content", testConfig())
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Status)
		assert.Empty(t, res.Warnings)

		results, err := r.ExecutePending(ctx, testConfig(), "")
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("status", func(t *testing.T) {
		entries, err := r.Status(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for _, e := range entries {
			assert.Equal(t, StatusCompleted, e.Status)
			assert.NotNil(t, e.AppliedAt)
			assert.False(t, e.ChecksumDrift)
		}
	})

	t.Run("rollback refuses while dependents are applied", func(t *testing.T) {
		_, err := r.RollbackMigration(ctx, "001_record_indexes")
		assert.ErrorIs(t, err, ops.ErrPrecondition)
	})

	t.Run("rollback restores pre-images and schema", func(t *testing.T) {
		res, err := r.RollbackMigration(ctx, "003_importance_floor")
		require.NoError(t, err)
		assert.Equal(t, StatusRolledBack, res.Status, res.Error)

		recs := loadRecords(t, db, ids)
		assert.InDelta(t, 0.01, recs[ids[0]].Importance, 1e-9)
		assert.InDelta(t, 0.02, recs[ids[2]].Importance, 1e-9)
		assert.Equal(t, "spaced out note", recs[ids[0]].Content, "earlier migrations stay applied")

		ok, err := db.IndexExists(ctx, "idx_records_importance")
		require.NoError(t, err)
		assert.False(t, ok)

		rec, err := db.GetMigration(ctx, "003_importance_floor")
		require.NoError(t, err)
		assert.Equal(t, string(StatusRolledBack), rec.Status)
		assert.NotNil(t, rec.RolledBackAt)

		_, err = r.RollbackMigration(ctx, "003_importance_floor")
		assert.ErrorIs(t, err, ops.ErrPrecondition, "only completed migrations roll back")

		results, err := r.ExecutePending(ctx, testConfig(), "")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, StatusCompleted, results[0].Status)
	})
}

func TestRunner_DryRun(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	ids := seedRecords(t, db, store.Record{Content: " messy  note", Importance: 0.01})

	r := NewRunner(db, env)
	require.NoError(t, r.Register(Builtin()...))

	cfg := testConfig()
	cfg.DryRun = true
	results, err := r.ExecutePending(ctx, cfg, "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, StatusPending, res.Status, res.Error)
		assert.True(t, res.DryRun)
	}
	assert.Equal(t, 1, results[1].AffectedItems)
	assert.Equal(t, 1, results[2].AffectedItems)

	history, err := db.ListMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, " messy  note", loadRecords(t, db, ids)[ids[0]].Content)
	ok, err := db.IndexExists(ctx, "idx_records_type")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunner_AutomaticRollback(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	ids := seedRecords(t, db,
		store.Record{Content: "one", Importance: 0.2},
		store.Record{Content: "two", Importance: 0.2},
		store.Record{Content: "three", Importance: 0.2},
	)

	m := NewDataMigration(Metadata{ID: "010_boost", Version: semver.MustParse("2.0.0")}, "boost",
		store.Predicate{}, func(_ context.Context, rec store.Record) (store.Record, bool, error) {
			rec.Importance = 0.9
			return rec, true, nil
		})
	m.Post = func(context.Context, *Env) error { return errors.New("boost looked wrong") }

	r := NewRunner(db, env)
	require.NoError(t, r.Register(m))

	res, err := r.ExecuteMigration(ctx, "010_boost", testConfig())
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.ErrorIs(t, res.Err, ops.ErrPostcondition)
	assert.True(t, res.Failed())

	for _, rec := range loadRecords(t, db, ids) {
		assert.InDelta(t, 0.2, rec.Importance, 1e-9)
	}
	rec, err := db.GetMigration(ctx, "010_boost")
	require.NoError(t, err)
	assert.Equal(t, string(StatusRolledBack), rec.Status)
	assert.Contains(t, rec.Error, "boost looked wrong")

	t.Run("without rollback the failure is recorded", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnableRollback = false
		res, err := r.ExecuteMigration(ctx, "010_boost", cfg)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		for _, rec := range loadRecords(t, db, ids) {
			assert.InDelta(t, 0.9, rec.Importance, 1e-9)
		}
	})
}

func TestRunner_FailuresAndOrdering(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)

	broken := NewSchemaMigration(Metadata{ID: "020_broken", Version: semver.MustParse("1.0.0")},
		[]string{"CREATE TABLE broken ("}, nil)
	index := NewSchemaMigration(Metadata{ID: "021_index", Version: semver.MustParse("1.1.0")},
		[]string{"CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(updated_at)"},
		[]string{"DROP INDEX IF EXISTS idx_records_updated_at"})
	orphan := NewSchemaMigration(Metadata{ID: "022_orphan", Version: semver.MustParse("1.2.0"), Dependencies: []string{"999_missing"}},
		[]string{"CREATE INDEX IF NOT EXISTS idx_orphan ON records(type)"}, nil)

	r := NewRunner(db, env)
	require.NoError(t, r.Register(broken, index, orphan))
	assert.Error(t, r.Register(index), "duplicate registration")

	results, err := r.ExecutePending(ctx, testConfig(), "")
	require.NoError(t, err)
	require.Len(t, results, 1, "stops at the first failure")
	assert.Equal(t, StatusFailed, results[0].Status)

	rec, err := db.GetMigration(ctx, "020_broken")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), rec.Status)
	assert.NotEmpty(t, rec.Error)

	cfg := testConfig()
	cfg.ContinueOnError = true
	results, err = r.ExecutePending(ctx, cfg, "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusCompleted, results[1].Status)
	assert.Equal(t, StatusFailed, results[2].Status)
	assert.ErrorIs(t, results[2].Err, ops.ErrUnmetDependency)

	ok, err := db.IndexExists(ctx, "idx_orphan")
	require.NoError(t, err)
	assert.False(t, ok, "a migration with unmet dependencies never runs")

	t.Run("unknown migration", func(t *testing.T) {
		_, err := r.ExecuteMigration(ctx, "nope", testConfig())
		assert.ErrorIs(t, err, ops.ErrNotFound)
	})

	t.Run("irreversible rollback", func(t *testing.T) {
		_, err := r.RollbackMigration(ctx, "020_broken")
		assert.ErrorIs(t, err, ErrIrreversible)
	})
}

func TestRunner_KindAndTargetFilters(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	r := NewRunner(db, env)
	require.NoError(t, r.Register(Builtin()...))

	results, err := r.ExecutePending(ctx, testConfig(), KindSchema)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "001_record_indexes", results[0].MigrationID)

	cfg := testConfig()
	cfg.TargetVersion = semver.MustParse("1.1.0")
	results, err = r.ExecutePending(ctx, cfg, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "002_normalize_content", results[0].MigrationID)
}

func TestRunner_CycleRunsNothing(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	a := NewSchemaMigration(Metadata{ID: "a", Version: semver.MustParse("1.0.0"), Dependencies: []string{"b"}},
		[]string{"CREATE INDEX IF NOT EXISTS idx_a ON records(type)"}, nil)
	b := NewSchemaMigration(Metadata{ID: "b", Version: semver.MustParse("1.0.0"), Dependencies: []string{"a"}},
		[]string{"CREATE INDEX IF NOT EXISTS idx_b ON records(type)"}, nil)
	r := NewRunner(db, env)
	require.NoError(t, r.Register(a, b))

	results, err := r.ExecutePending(ctx, testConfig(), "")
	assert.ErrorIs(t, err, ops.ErrDependencyCycle)
	assert.Empty(t, results)
	history, err := db.ListMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRunner_ChecksumDrift(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	meta := Metadata{ID: "030_index", Version: semver.MustParse("1.0.0")}

	r := NewRunner(db, env)
	require.NoError(t, r.Register(NewSchemaMigration(meta,
		[]string{"CREATE INDEX IF NOT EXISTS idx_drift ON records(type)"}, nil)))
	res, err := r.ExecuteMigration(ctx, meta.ID, testConfig())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	edited := NewRunner(db, env)
	require.NoError(t, edited.Register(NewSchemaMigration(meta,
		[]string{"CREATE INDEX IF NOT EXISTS idx_drift ON records(type, importance)"}, nil)))
	res, err = edited.ExecuteMigration(ctx, meta.ID, testConfig())
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "checksum")

	entries, err := edited.Status(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ChecksumDrift)
}

func TestRunner_ResumesFailedDataMigration(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	var rows []store.Record
	for i := range 6 {
		rows = append(rows, store.Record{Content: fmt.Sprintf("record %d", i), Importance: 0.3})
	}
	ids := seedRecords(t, db, rows...)

	var mu sync.Mutex
	calls := map[string]int{}
	failOn := ids[3]
	m := NewDataMigration(Metadata{ID: "040_tag", Version: semver.MustParse("1.0.0")}, "tag",
		store.Predicate{}, func(_ context.Context, rec store.Record) (store.Record, bool, error) {
			mu.Lock()
			defer mu.Unlock()
			calls[rec.ID]++
			if rec.ID == failOn {
				failOn = ""
				return rec, false, errors.New("transient hiccup")
			}
			if rec.Metadata == nil {
				rec.Metadata = map[string]any{}
			}
			rec.Metadata["tagged"] = true
			return rec, true, nil
		})
	m.PageSize = 2

	r := NewRunner(db, env)
	require.NoError(t, r.Register(m))

	cfg := testConfig()
	cfg.EnableRollback = false
	res, err := r.ExecuteMigration(ctx, "040_tag", cfg)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.AffectedItems)

	res, err = r.ExecuteMigration(ctx, "040_tag", cfg)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 6, res.AffectedItems)

	assert.Equal(t, 1, calls[ids[0]], "pages before the failure are not re-read")
	assert.Equal(t, 1, calls[ids[1]])
	for _, rec := range loadRecords(t, db, ids) {
		assert.Equal(t, true, rec.Metadata["tagged"])
	}

	cps, err := env.Checkpoints.List("040_tag")
	require.NoError(t, err)
	assert.Len(t, cps, 3, "one checkpoint per written page")
}

// newTagMigration tags every record it sees and counts the records it was
// asked to transform.
func newTagMigration(id string, seen *int) *DataMigration {
	var mu sync.Mutex
	m := NewDataMigration(Metadata{ID: id, Version: semver.MustParse("1.0.0")}, "tag",
		store.Predicate{}, func(_ context.Context, rec store.Record) (store.Record, bool, error) {
			mu.Lock()
			*seen++
			mu.Unlock()
			if rec.Metadata == nil {
				rec.Metadata = map[string]any{}
			}
			rec.Metadata["tagged"] = true
			return rec, true, nil
		})
	m.PageSize = 2
	return m
}

func seedUntagged(t *testing.T, db *store.SQLite, n int) []string {
	t.Helper()
	rows := make([]store.Record, n)
	for i := range rows {
		rows[i] = store.Record{Content: fmt.Sprintf("note %d", i), Importance: 0.4}
	}
	return seedRecords(t, db, rows...)
}

func TestRunner_CorruptHistoryCheckpoint(t *testing.T) {
	corrupt := json.RawMessage(`{"affected":"corrupt","rollback_points":7}`)

	t.Run("rollback is refused and recorded as failed", func(t *testing.T) {
		ctx := context.Background()
		env, db := newEnv(t)
		ids := seedUntagged(t, db, 4)

		var seen int
		r := NewRunner(db, env)
		require.NoError(t, r.Register(newTagMigration("050_tag", &seen)))
		res, err := r.ExecuteMigration(ctx, "050_tag", testConfig())
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, res.Status, res.Error)
		require.Equal(t, 4, res.AffectedItems)

		rec, err := db.GetMigration(ctx, "050_tag")
		require.NoError(t, err)
		rec.Checkpoint = corrupt
		require.NoError(t, db.UpsertMigration(ctx, *rec))

		res, err = r.RollbackMigration(ctx, "050_tag")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, ops.ErrCheckpointCorrupted)
		assert.True(t, res.Failed())

		for id, rec := range loadRecords(t, db, ids) {
			assert.Equal(t, true, rec.Metadata["tagged"], "record %s must not look rolled back", id)
		}

		rec, err = db.GetMigration(ctx, "050_tag")
		require.NoError(t, err)
		assert.Equal(t, string(StatusFailed), rec.Status)
		assert.Contains(t, rec.Error, ops.ErrCheckpointCorrupted.Error())
		assert.Nil(t, rec.RolledBackAt)
		assert.JSONEq(t, string(corrupt), string(rec.Checkpoint), "the unreadable state is kept for inspection")
	})

	t.Run("a failed attempt does not restart from zero", func(t *testing.T) {
		ctx := context.Background()
		env, db := newEnv(t)
		ids := seedUntagged(t, db, 4)
		require.NoError(t, db.UpsertMigration(ctx, store.MigrationRecord{
			MigrationID: "050_tag",
			Status:      string(StatusFailed),
			Checkpoint:  corrupt,
			UpdatedAt:   time.Now().UTC(),
		}))

		var seen int
		r := NewRunner(db, env)
		require.NoError(t, r.Register(newTagMigration("050_tag", &seen)))
		res, err := r.ExecuteMigration(ctx, "050_tag", testConfig())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, ops.ErrCheckpointCorrupted)
		assert.Zero(t, seen, "no record is transformed again")

		for _, rec := range loadRecords(t, db, ids) {
			assert.Nil(t, rec.Metadata["tagged"])
		}
		rec, err := db.GetMigration(ctx, "050_tag")
		require.NoError(t, err)
		assert.Equal(t, string(StatusFailed), rec.Status)
		assert.JSONEq(t, string(corrupt), string(rec.Checkpoint))

		results, err := r.ExecutePending(ctx, testConfig(), "")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Err, ops.ErrCheckpointCorrupted)
	})
}

func TestRunner_FailedRollbackIsRecorded(t *testing.T) {
	ctx := context.Background()
	env, db := newEnv(t)
	ids := seedUntagged(t, db, 4)

	var seen int
	r := NewRunner(db, env)
	require.NoError(t, r.Register(newTagMigration("060_tag", &seen)))
	res, err := r.ExecuteMigration(ctx, "060_tag", testConfig())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status, res.Error)

	applied, err := db.GetMigration(ctx, "060_tag")
	require.NoError(t, err)
	state, err := decodeState(applied.Checkpoint)
	require.NoError(t, err)
	require.Len(t, state.RollbackPoints, 2, "one rollback point per page")
	require.NoError(t, env.Checkpoints.Delete(state.RollbackPoints[0]))

	res, err = r.RollbackMigration(ctx, "060_tag")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Error, "rollback failed")

	rec, err := db.GetMigration(ctx, "060_tag")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), rec.Status)
	assert.Equal(t, res.Error, rec.Error)
	assert.Nil(t, rec.RolledBackAt)
	kept, err := decodeState(rec.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, state.RollbackPoints, kept.RollbackPoints, "the state stays available for another rollback")

	entries, err := r.Status(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)

	tagged := 0
	for _, rec := range loadRecords(t, db, ids) {
		if rec.Metadata["tagged"] == true {
			tagged++
		}
	}
	assert.Equal(t, 2, tagged, "the newest page was restored before the missing point stopped the rollback")
}

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    State
		wantErr bool
	}{
		{name: "empty", raw: ""},
		{name: "null", raw: "null"},
		{name: "valid", raw: `{"affected":3,"cursor":"r_9","offset":4}`, want: State{Affected: 3, Cursor: "r_9", Offset: 4}},
		{name: "wrong types", raw: `{"affected":"corrupt","rollback_points":7}`, wantErr: true},
		{name: "truncated", raw: `{"affected":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeState(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ops.ErrCheckpointCorrupted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "migrations.json")
	h, err := NewFileHistory(path)
	require.NoError(t, err)

	_, err = h.GetMigration(ctx, "001")
	assert.ErrorIs(t, err, ops.ErrNotFound)

	applied := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.UpsertMigration(ctx, store.MigrationRecord{MigrationID: "002", Status: "failed", Error: "boom"}))
	require.NoError(t, h.UpsertMigration(ctx, store.MigrationRecord{MigrationID: "001", Status: "completed", AppliedAt: &applied, AffectedItems: 3}))
	require.NoError(t, h.UpsertMigration(ctx, store.MigrationRecord{MigrationID: "002", Status: "completed"}))

	rec, err := h.GetMigration(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AffectedItems)
	assert.True(t, applied.Equal(*rec.AppliedAt))

	all, err := h.ListMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "001", all[0].MigrationID)
	assert.Equal(t, "completed", all[1].Status, "upsert replaces")
	assert.Empty(t, all[1].Error)

	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock released")

	t.Run("corrupted", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
		_, err := h.ListMigrations(ctx)
		assert.ErrorIs(t, err, ErrHistoryCorrupted)
	})

	t.Run("unsupported version", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"version": 9, "migrations": {}}`), 0o600))
		_, err := h.GetMigration(ctx, "001")
		assert.ErrorIs(t, err, ErrHistoryCorrupted)
	})

	t.Run("runner on file history", func(t *testing.T) {
		env, db := newEnv(t)
		h, err := NewFileHistory(filepath.Join(t.TempDir(), "history.json"))
		require.NoError(t, err)
		r := NewRunner(h, env)
		require.NoError(t, r.Register(Builtin()...))
		results, err := r.ExecutePending(ctx, testConfig(), "")
		require.NoError(t, err)
		require.Len(t, results, 3)
		_, err = db.GetMigration(ctx, "001_record_indexes")
		assert.ErrorIs(t, err, ops.ErrNotFound, "history lives in the file")
	})
}
