package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// ImportanceFloor is the lowest importance 003_importance_floor leaves in
// the store.
const ImportanceFloor = 0.05

const builtinAuthor = "brainops"

var recordIndexes = []string{"idx_records_type", "idx_records_created_at"}

// Builtin returns the migrations shipped with brainops.
func Builtin() []Migration {
	created := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	indexes := NewSchemaMigration(Metadata{
		ID:          "001_record_indexes",
		Name:        "Record lookup indexes",
		Description: "Index records by type and creation time.",
		Version:     semver.MustParse("1.0.0"),
		Author:      builtinAuthor,
		CreatedAt:   created,
	}, []string{
		`CREATE INDEX IF NOT EXISTS idx_records_type ON records(type)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at)`,
	}, []string{
		`DROP INDEX IF EXISTS idx_records_created_at`,
		`DROP INDEX IF EXISTS idx_records_type`,
	})
	indexes.Post = indexesExist(recordIndexes...)

	normalize := NewDataMigration(Metadata{
		ID:           "002_normalize_content",
		Name:         "Normalize record content",
		Description:  "Rewrite content to NFC with collapsed whitespace.",
		Version:      semver.MustParse("1.1.0"),
		Author:       builtinAuthor,
		CreatedAt:    created.AddDate(0, 1, 0),
		Dependencies: []string{"001_record_indexes"},
	}, "normalize-content/v1", store.Predicate{}, normalizeContent)

	floorIndex := NewSchemaMigration(Metadata{ID: "003_importance_floor"}, []string{
		`CREATE INDEX IF NOT EXISTS idx_records_importance ON records(importance)`,
	}, []string{
		`DROP INDEX IF EXISTS idx_records_importance`,
	})
	floorIndex.Post = indexesExist("idx_records_importance")

	below := ImportanceFloor
	floorData := NewDataMigration(Metadata{ID: "003_importance_floor", Version: semver.MustParse("1.2.0")},
		fmt.Sprintf("importance-floor/%g", ImportanceFloor),
		store.Predicate{MaxImportance: &below}, raiseImportance)
	floorData.Post = noneBelowFloor

	floor := NewStructureMigration(Metadata{
		ID:           "003_importance_floor",
		Name:         "Importance floor",
		Description:  "Index importance and raise values below the floor.",
		Version:      semver.MustParse("1.2.0"),
		Author:       builtinAuthor,
		CreatedAt:    created.AddDate(0, 2, 0),
		Dependencies: []string{"002_normalize_content"},
	}, floorIndex, floorData)

	return []Migration{indexes, normalize, floor}
}

func normalizeContent(_ context.Context, rec store.Record) (store.Record, bool, error) {
	normalized := ops.NormalizeContent(rec.Content)
	if normalized == rec.Content || normalized == "" {
		return rec, false, nil
	}
	rec.Content = normalized
	return rec, true, nil
}

func raiseImportance(_ context.Context, rec store.Record) (store.Record, bool, error) {
	if rec.Importance >= ImportanceFloor {
		return rec, false, nil
	}
	rec.Importance = ImportanceFloor
	return rec, true, nil
}

func indexesExist(names ...string) Check {
	return func(ctx context.Context, env *Env) error {
		for _, name := range names {
			ok, err := env.Schema.IndexExists(ctx, name)
			if err != nil {
				return fmt.Errorf("checking index %s: %w", name, err)
			}
			if !ok {
				return fmt.Errorf("index %s is missing", name)
			}
		}
		return nil
	}
}

func noneBelowFloor(ctx context.Context, env *Env) error {
	limit := ImportanceFloor - 1e-9
	var n int
	err := store.WithConn(ctx, env.Store, func(conn store.Conn) error {
		var err error
		n, err = conn.CountMatching(ctx, store.Predicate{MaxImportance: &limit})
		return err
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%d records remain below importance %g", n, ImportanceFloor)
	}
	return nil
}
