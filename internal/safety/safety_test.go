package safety

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCheckOperationSafety_Ceilings(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		kind  ops.Kind
		count int
		valid bool
	}{
		{"standard within ceiling", LevelStandard, ops.KindDelete, 5000, true},
		{"absolute ceiling", LevelRelaxed, ops.KindInsert, 10001, false},
		{"strict delete", LevelStrict, ops.KindDelete, 1001, false},
		{"strict update ok", LevelStrict, ops.KindUpdate, 5000, true},
		{"strict insert ok", LevelStrict, ops.KindInsert, 9000, true},
		{"maximum delete", LevelMaximum, ops.KindDelete, 101, false},
		{"maximum delete ok", LevelMaximum, ops.KindDelete, 100, true},
		{"maximum insert", LevelMaximum, ops.KindInsert, 5001, false},
		{"maximum export unbounded by kind", LevelMaximum, ops.KindExport, 9000, true},
		{"negative count", LevelStandard, ops.KindInsert, -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(Config{Level: tt.level}, nil, nil)
			r := e.CheckOperationSafety(tt.kind, tt.count, "tester")
			assert.Equal(t, tt.valid, r.Valid, "errors: %v", r.Errors)
			if !tt.valid {
				err := Violation(r)
				require.Error(t, err)
				assert.True(t, errors.Is(err, ops.ErrSafetyViolation))
			} else {
				assert.NoError(t, Violation(r))
			}
		})
	}
}

func TestCheckOperationSafety_RateLimit(t *testing.T) {
	clock := newClock()
	e := New(Config{MaxOperationsPerHour: 3}, nil, nil, WithClock(clock.Now))

	for i := range 3 {
		r := e.CheckOperationSafety(ops.KindInsert, 1, "alice")
		require.True(t, r.Valid, "operation %d", i)
		clock.Advance(10 * time.Minute)
	}

	r := e.CheckOperationSafety(ops.KindInsert, 1, "alice")
	assert.False(t, r.Valid)
	assert.Contains(t, strings.Join(r.Errors, " "), "operations per")

	assert.True(t, e.CheckOperationSafety(ops.KindInsert, 1, "bob").Valid, "limits are per caller")

	// The first operation leaves the trailing hour.
	clock.Advance(31 * time.Minute)
	assert.True(t, e.CheckOperationSafety(ops.KindInsert, 1, "alice").Valid)

	t.Run("rejected checks do not count", func(t *testing.T) {
		e := New(Config{MaxOperationsPerHour: 1, MaxItemsPerOperation: 10}, nil, nil, WithClock(clock.Now))
		assert.False(t, e.CheckOperationSafety(ops.KindInsert, 11, "carol").Valid)
		assert.True(t, e.CheckOperationSafety(ops.KindInsert, 5, "carol").Valid)
	})

	t.Run("relaxed skips rate limit", func(t *testing.T) {
		e := New(Config{Level: LevelRelaxed, MaxOperationsPerHour: 1}, nil, nil, WithClock(clock.Now))
		assert.True(t, e.CheckOperationSafety(ops.KindInsert, 1, "").Valid)
		assert.True(t, e.CheckOperationSafety(ops.KindInsert, 1, "").Valid)
	})
}

func items(contents ...string) []ops.BatchItem {
	out := make([]ops.BatchItem, len(contents))
	for i, c := range contents {
		out[i] = ops.BatchItem{Content: c, Type: ops.TypeSemantic, Position: i}
	}
	return out
}

func TestDetectDuplicates(t *testing.T) {
	e := New(Config{}, nil, nil)

	t.Run("k repeats yield k-1 duplicates", func(t *testing.T) {
		for k := 1; k <= 5; k++ {
			list := items("other", "unique")
			for range k {
				list = append(list, ops.BatchItem{Content: "repeated note", Type: ops.TypeSemantic})
			}
			unique, dups := e.DetectDuplicates(list)
			assert.Len(t, dups, k-1, "k=%d", k)
			assert.Len(t, unique, 3)
		}
	})

	t.Run("first occurrence kept", func(t *testing.T) {
		unique, dups := e.DetectDuplicates(items("a", "b", "a", " a "))
		require.Len(t, unique, 2)
		assert.Equal(t, 0, unique[0].Position)
		require.Len(t, dups, 2)
		assert.Equal(t, 2, dups[0].Position)
		assert.Equal(t, 3, dups[1].Position, "whitespace-normalized content is a duplicate")
	})

	t.Run("detect does not remember", func(t *testing.T) {
		e.DetectDuplicates(items("fresh"))
		unique, _ := e.DetectDuplicates(items("fresh"))
		assert.Len(t, unique, 1)
	})

	t.Run("cross operation", func(t *testing.T) {
		e.Remember(items("committed"))
		unique, dups := e.DetectDuplicates(items("committed", "new"))
		assert.Len(t, unique, 1)
		assert.Len(t, dups, 1)
	})
}

func TestSeenSetRetentionAndEviction(t *testing.T) {
	clock := newClock()
	e := New(Config{DedupRetention: time.Hour, DedupMaxEntries: 3}, nil, nil, WithClock(clock.Now))

	e.Remember(items("a", "b", "c"))
	e.Remember(items("d"))
	assert.Equal(t, 3, e.SeenCount())
	_, dups := e.DetectDuplicates(items("a"))
	assert.Empty(t, dups, "oldest entry evicted at capacity")

	clock.Advance(2 * time.Hour)
	_, dups = e.DetectDuplicates(items("d"))
	assert.Empty(t, dups, "expired entries are not duplicates")

	report, err := e.PurgeExpired(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, report.SeenEntries)
	assert.Zero(t, e.SeenCount())
}

func TestSeenSetRememberRefreshesEntries(t *testing.T) {
	clock := newClock()
	e := New(Config{DedupRetention: time.Hour, DedupMaxEntries: 2}, nil, nil, WithClock(clock.Now))

	e.Remember(items("a", "b"))
	clock.Advance(50 * time.Minute)
	e.Remember(items("a"))
	e.Remember(items("c"))

	_, dups := e.DetectDuplicates(items("a", "b", "c"))
	require.Len(t, dups, 2, "b was the least recently remembered and got evicted")
	assert.Equal(t, 0, dups[0].Position)
	assert.Equal(t, 2, dups[1].Position)

	clock.Advance(30 * time.Minute)
	report, err := e.PurgeExpired(clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.SeenEntries, "refreshed entries are within retention")
	assert.Equal(t, 2, e.SeenCount())
}

func newRollbackFixture(t *testing.T) (*Enforcer, *store.SQLite) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "brain.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cps, err := checkpoint.NewFileStore(filepath.Join(dir, "checkpoints"), time.Hour)
	require.NoError(t, err)
	return New(Config{}, cps, db), db
}

func TestRollback_Insert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, db := newRollbackFixture(t)

	ids, err := db.ExecuteBatchWrite(ctx, store.WriteInsert, []store.Record{
		{Content: "one", Type: "semantic"}, {Content: "two", Type: "semantic"},
	})
	require.NoError(t, err)

	id, err := e.CreateRollbackPoint(ctx, "op_ins", ops.KindInsert, ids, nil)
	require.NoError(t, err)

	ok, err := e.ExecuteRollback(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := db.CountMatching(ctx, store.Predicate{})
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = e.ExecuteRollback(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "rollback is repeatable")
}

func TestRollback_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, db := newRollbackFixture(t)

	ids, err := db.ExecuteBatchWrite(ctx, store.WriteInsert, []store.Record{
		{Content: "keep me", Type: "semantic", Importance: 0.3},
		{Content: "delete me", Type: "semantic", Importance: 0.4},
	})
	require.NoError(t, err)
	before, err := db.QueryMatching(ctx, store.Predicate{IDs: ids})
	require.NoError(t, err)

	id, err := e.CreateRollbackPoint(ctx, "op_mix", ops.KindUpdate, nil, before)
	require.NoError(t, err)

	_, err = db.ExecuteBatchWrite(ctx, store.WriteUpdate, []store.Record{{ID: ids[0], Content: "changed", Type: "semantic", Importance: 0.9}})
	require.NoError(t, err)
	_, err = db.ExecuteBatchWrite(ctx, store.WriteDelete, []store.Record{{ID: ids[1]}})
	require.NoError(t, err)
	require.NoError(t, e.ExtendRollbackPoint(ctx, id, ids, nil))

	ok, err := e.ExecuteRollback(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := db.QueryMatching(ctx, store.Predicate{IDs: ids})
	require.NoError(t, err)
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].Content, after[i].Content)
		assert.Equal(t, before[i].Importance, after[i].Importance)
		assert.Equal(t, before[i].ContentHash, after[i].ContentHash)
	}
}

func TestRollback_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := New(Config{}, nil, nil)
	_, err := e.ExecuteRollback(ctx, "x")
	assert.ErrorIs(t, err, ErrRollbackUnavailable)

	e, _ = newRollbackFixture(t)
	ok, err := e.ExecuteRollback(ctx, "missing")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ops.ErrNotFound)
}
