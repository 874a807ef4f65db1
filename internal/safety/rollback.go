package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// rollbackChunkSize bounds the rows per inverse write.
const rollbackChunkSize = 500

// ErrRollbackUnavailable is returned when the enforcer has no checkpoint
// store or backing store to work with.
var ErrRollbackUnavailable = errors.New("rollback points are not configured")

// CreateRollbackPoint persists a rollback point for an operation.
//
// writtenIDs are records the operation created or changed; preImages are the
// records as they were before the operation touched them. Records in
// writtenIDs without a pre-image are treated as created by the operation and
// are deleted on rollback.
func (e *Enforcer) CreateRollbackPoint(
	ctx context.Context,
	operationID string,
	kind ops.Kind,
	writtenIDs []string,
	preImages []store.Record,
) (string, error) {
	if e.checkpoints == nil {
		return "", ErrRollbackUnavailable
	}

	cp := &checkpoint.Checkpoint{
		OperationID: operationID,
		Name:        "rollback-" + string(kind),
		Purpose:     checkpoint.PurposeRollback,
		Kind:        kind,
		Offset:      len(writtenIDs),
		WrittenIDs:  append([]string(nil), writtenIDs...),
		Affected:    clonePreImages(preImages),
		CreatedAt:   e.now().UTC(),
	}
	if err := e.checkpoints.Save(cp); err != nil {
		return "", fmt.Errorf("creating rollback point: %w", err)
	}

	logging.FromContext(ctx).Debug().
		Str("component", "safety").
		Str("operation_id", operationID).
		Str("checkpoint_id", cp.ID).
		Int("written", len(cp.WrittenIDs)).
		Int("pre_images", len(cp.Affected)).
		Msg("rollback point created")
	return cp.ID, nil
}

// ExtendRollbackPoint adds written ids and pre-images to an existing rollback
// point. A pre-image already captured for an id is kept; the earliest state
// is the one to restore.
func (e *Enforcer) ExtendRollbackPoint(
	_ context.Context,
	checkpointID string,
	writtenIDs []string,
	preImages []store.Record,
) error {
	if e.checkpoints == nil {
		return ErrRollbackUnavailable
	}

	cp, err := e.checkpoints.Load(checkpointID)
	if err != nil {
		return err
	}
	if cp.Purpose != checkpoint.PurposeRollback {
		return fmt.Errorf("checkpoint %s is not a rollback point", checkpointID)
	}

	known := make(map[string]struct{}, len(cp.Affected))
	for _, r := range cp.Affected {
		known[r.ID] = struct{}{}
	}
	for _, r := range preImages {
		if _, ok := known[r.ID]; ok {
			continue
		}
		known[r.ID] = struct{}{}
		cp.Affected = append(cp.Affected, r.Clone())
	}
	cp.WrittenIDs = appendUnique(cp.WrittenIDs, writtenIDs)
	cp.Offset = len(cp.WrittenIDs)

	return e.checkpoints.Save(cp)
}

// ExecuteRollback applies the inverse write set of a rollback point in one
// transaction: records the operation created are deleted, and every captured
// pre-image is written back (updated if the record still exists, re-inserted
// if it was deleted). Re-running a rollback is harmless.
func (e *Enforcer) ExecuteRollback(ctx context.Context, checkpointID string) (bool, error) {
	if e.checkpoints == nil || e.store == nil {
		return false, ErrRollbackUnavailable
	}

	cp, err := e.checkpoints.Load(checkpointID)
	if err != nil {
		return false, err
	}
	if cp.Purpose != checkpoint.PurposeRollback {
		return false, fmt.Errorf("checkpoint %s is not a rollback point", checkpointID)
	}

	logger := logging.FromContext(ctx).With().
		Str("component", "safety").
		Str("operation", "rollback").
		Str("operation_id", cp.OperationID).
		Str("checkpoint_id", cp.ID).
		Logger()

	preImageIDs := make(map[string]struct{}, len(cp.Affected))
	for _, r := range cp.Affected {
		preImageIDs[r.ID] = struct{}{}
	}
	var created []store.Record
	for _, id := range cp.WrittenIDs {
		if _, ok := preImageIDs[id]; !ok {
			created = append(created, store.Record{ID: id})
		}
	}

	err = store.WithConn(ctx, e.store, func(conn store.Conn) error {
		return store.WithTx(ctx, conn, func(tx store.Tx) error {
			for _, chunk := range chunks(created, rollbackChunkSize) {
				if _, err := tx.ExecuteBatchWrite(ctx, store.WriteDelete, chunk); err != nil {
					return fmt.Errorf("deleting created records: %w", err)
				}
			}
			for _, chunk := range chunks(cp.Affected, rollbackChunkSize) {
				if err := restore(ctx, tx, chunk); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("rollback failed")
		return false, fmt.Errorf("%w: rollback %s: %w", ops.ErrTransientStorage, checkpointID, err)
	}

	logger.Info().
		Int("deleted", len(created)).
		Int("restored", len(cp.Affected)).
		Msg("rollback applied")
	return true, nil
}

// restore writes pre-images back, updating rows that exist and re-inserting
// the rest.
func restore(ctx context.Context, w store.Writer, preImages []store.Record) error {
	ids := make([]string, len(preImages))
	for i, r := range preImages {
		ids[i] = r.ID
	}
	existing, err := w.QueryMatching(ctx, store.Predicate{IDs: ids})
	if err != nil {
		return fmt.Errorf("loading current rows: %w", err)
	}
	present := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		present[r.ID] = struct{}{}
	}

	var updates, inserts []store.Record
	for _, r := range preImages {
		if _, ok := present[r.ID]; ok {
			updates = append(updates, r)
		} else {
			inserts = append(inserts, r)
		}
	}
	if len(updates) > 0 {
		if _, err := w.ExecuteBatchWrite(ctx, store.WriteUpdate, updates); err != nil {
			return fmt.Errorf("restoring updated records: %w", err)
		}
	}
	if len(inserts) > 0 {
		if _, err := w.ExecuteBatchWrite(ctx, store.WriteInsert, inserts); err != nil {
			return fmt.Errorf("re-inserting deleted records: %w", err)
		}
	}
	return nil
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

func clonePreImages(in []store.Record) []store.Record {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, id := range dst {
		seen[id] = struct{}{}
	}
	for _, id := range src {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		dst = append(dst, id)
	}
	return dst
}
