package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/safety"
	"github.com/raold/second-brain-sub001/internal/store"
)

// DefaultPageSize is the number of records a data migration reads at a time.
const DefaultPageSize = 500

// TransformFunc rewrites one record. It returns false when the record needs
// no change.
type TransformFunc func(ctx context.Context, rec store.Record) (store.Record, bool, error)

// DataMigration rewrites every record matching Selector. Records are read
// in id order one page at a time; changed records of a page are written as
// one update operation whose rollback point holds their pre-images.
type DataMigration struct {
	Meta      Metadata
	Selector  store.Predicate
	Transform TransformFunc
	PageSize  int
	Pre       Check
	Post      Check
}

// NewDataMigration builds a reversible data migration. The checksum covers
// the id, version and definition string, which the author bumps when the
// transform changes.
func NewDataMigration(meta Metadata, definition string, selector store.Predicate, fn TransformFunc) *DataMigration {
	meta.Kind = KindData
	meta.Reversible = true
	if meta.Checksum == "" {
		version := ""
		if meta.Version != nil {
			version = meta.Version.String()
		}
		meta.Checksum = Checksum(meta.ID, version, definition)
	}
	return &DataMigration{Meta: meta, Selector: selector, Transform: fn}
}

// Metadata implements Migration.
func (m *DataMigration) Metadata() Metadata { return m.Meta }

// ValidatePreconditions implements Migration.
func (m *DataMigration) ValidatePreconditions(ctx context.Context, env *Env) error {
	if env.Executor == nil || env.Store == nil {
		return errors.New("data migrations need a store and an executor")
	}
	if m.Transform == nil {
		return errors.New("data migration has no transform")
	}
	return runCheck(ctx, env, m.Pre)
}

// Apply implements Migration. When env.Resume carries a cursor, reading
// continues after it and the earlier attempt's rollback points are kept.
func (m *DataMigration) Apply(ctx context.Context, env *Env) (State, error) {
	var state State
	if env.Resume != nil {
		state = *env.Resume
		state.RollbackPoints = append([]string(nil), env.Resume.RollbackPoints...)
	}

	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = env.Config.BatchSize
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	logger := logging.FromContext(ctx).With().
		Str("component", "migration").
		Str("migration_id", env.MigrationID).
		Logger()
	if state.Cursor != "" {
		logger.Info().Str("cursor", state.Cursor).Int("offset", state.Offset).Msg("resuming data migration")
	}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		sel := m.Selector
		sel.AfterID = state.Cursor
		sel.Offset = 0
		sel.Limit = pageSize

		var recs []store.Record
		err := store.WithConn(ctx, env.Store, func(conn store.Conn) error {
			var err error
			recs, err = conn.QueryMatching(ctx, sel)
			return err
		})
		if err != nil {
			return state, fmt.Errorf("%w: reading page %d: %w", ops.ErrTransientStorage, page, err)
		}
		if len(recs) == 0 {
			return state, nil
		}

		items := make([]ops.BatchItem, 0, len(recs))
		for _, rec := range recs {
			next, changed, err := m.Transform(ctx, rec.Clone())
			if err != nil {
				return state, fmt.Errorf("transforming record %s: %w", rec.ID, err)
			}
			if changed {
				items = append(items, ops.BatchItem{
					ID:         rec.ID,
					Content:    next.Content,
					Type:       next.Type,
					Importance: next.Importance,
					Metadata:   next.Metadata,
				})
			}
		}

		if len(items) > 0 {
			if err := m.writePage(ctx, env, &state, items); err != nil {
				return state, fmt.Errorf("page %d: %w", page, err)
			}
		}

		state.Cursor = recs[len(recs)-1].ID
		state.Offset += len(recs)
		if err := m.saveCheckpoint(env, &state, page, items); err != nil {
			logger.Warn().Err(err).Int("page", page).Msg("saving page checkpoint failed")
		}
		logger.Debug().Int("page", page).Int("scanned", len(recs)).Int("changed", len(items)).Msg("page migrated")

		if len(recs) < pageSize {
			return state, nil
		}
	}
}

func (m *DataMigration) writePage(ctx context.Context, env *Env, state *State, items []ops.BatchItem) error {
	if env.Config.DryRun {
		state.Affected += len(items)
		return nil
	}
	desc := ops.NewDescriptor(ops.KindMigrate, ops.Config{
		BatchSize:       env.Config.BatchSize,
		MaxRetries:      env.Config.MaxRetries,
		ValidationLevel: env.Config.ValidationLevel,
		EnableRollback:  true,
		CallerID:        "migration:" + env.MigrationID,
	})
	res, err := env.Executor.UpdateItems(ctx, items, desc)
	if res != nil {
		if res.RollbackPointID != "" {
			state.RollbackPoints = append(state.RollbackPoints, res.RollbackPointID)
		}
		state.Affected += res.SuccessfulItems
	}
	if err != nil {
		return err
	}
	if res.Status != ops.StatusCompleted || res.FailedItems > 0 || res.SkippedItems > 0 {
		return fmt.Errorf("update operation %s ended %s (%d failed, %d skipped): %s",
			res.OperationID, res.Status, res.FailedItems, res.SkippedItems, res.ErrorSummary)
	}
	return nil
}

func (m *DataMigration) saveCheckpoint(env *Env, state *State, page int, items []ops.BatchItem) error {
	if env.Checkpoints == nil || env.Config.DryRun {
		return nil
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	cp := &checkpoint.Checkpoint{
		OperationID:  env.MigrationID,
		Name:         fmt.Sprintf("page-%d", page),
		Purpose:      checkpoint.PurposeProgress,
		Kind:         ops.KindMigrate,
		Offset:       state.Offset,
		ProcessedIDs: ids,
	}
	if err := env.Checkpoints.Save(cp); err != nil {
		return err
	}
	state.CheckpointID = cp.ID
	return nil
}

// Rollback implements Migration. Page rollback points are applied newest
// first so that every record ends at its pre-migration state.
func (m *DataMigration) Rollback(ctx context.Context, env *Env, state State) error {
	if len(state.RollbackPoints) == 0 {
		if state.Affected > 0 {
			return fmt.Errorf("%d records changed without a rollback point: %w", state.Affected, safety.ErrRollbackUnavailable)
		}
		return nil
	}
	for i := len(state.RollbackPoints) - 1; i >= 0; i-- {
		if _, err := env.Executor.Safety().ExecuteRollback(ctx, state.RollbackPoints[i]); err != nil {
			return fmt.Errorf("rolling back page %d: %w", i+1, err)
		}
	}
	return nil
}

// ValidatePostconditions implements Migration.
func (m *DataMigration) ValidatePostconditions(ctx context.Context, env *Env) error {
	return runCheck(ctx, env, m.Post)
}
