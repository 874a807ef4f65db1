package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
	"github.com/raold/second-brain-sub001/internal/transform"
)

// writeWithRetry writes one batch. Transactional batches that fail with a
// transient storage error or a timeout are retried up to cfg.MaxRetries
// times with exponential backoff; a failed attempt leaves nothing behind.
// Non-transactional batches are never retried, since a partial write may
// already be visible.
//
// An attempt that has started always runs to commit or rollback, even when
// ctx is cancelled meanwhile; cancellation only stops further retries.
func (e *Executor) writeWithRetry(ctx context.Context, cfg ops.Config, tasks []task) ([]string, error) {
	retries := 0
	if cfg.EnableRollback && cfg.MaxRetries > 0 {
		retries = cfg.MaxRetries
	}

	var (
		ids     []string
		lastErr error
		attempt int
	)
	write := func() error {
		attempt++
		var err error
		ids, err = e.writeBatch(ctx, cfg, tasks)
		lastErr = err
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		logging.FromContext(ctx).Debug().
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("retrying batch")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(retries)), ctx)
	if err := backoff.RetryNotify(write, policy, notify); err != nil {
		if lastErr != nil && ctx.Err() != nil {
			// Cancelled while waiting to retry; report why the batch failed.
			return nil, lastErr
		}
		return nil, err
	}
	return ids, nil
}

// newBackOff returns the delay schedule between batch retries: doubling
// from the configured base, jittered, capped at maxRetryBackoff.
func (e *Executor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBackoff
	b.Multiplier = 2
	b.MaxInterval = maxRetryBackoff
	b.MaxElapsedTime = 0
	return b
}

func retryable(err error) bool {
	if errors.Is(err, store.ErrRecordNotFound) {
		return false
	}
	return errors.Is(err, ops.ErrTransientStorage) || errors.Is(err, ops.ErrTimeout)
}

// writeBatch computes derived fields and issues the writes of one batch,
// all bounded by the configured per-batch timeout. The batch is detached
// from the caller's cancellation: once begun, its transaction either
// commits or rolls back on its own terms.
func (e *Executor) writeBatch(parent context.Context, cfg ops.Config, tasks []task) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cfg.Timeout)
	defer cancel()

	rows, err := e.buildRows(ctx, cfg, tasks)
	if err != nil {
		return nil, classifyWriteError(ctx, err)
	}

	ids := make([]string, len(tasks))
	write := func(w store.Writer) error {
		for _, group := range groupByKind(tasks) {
			batchRows := make([]store.Record, len(group.indexes))
			for i, idx := range group.indexes {
				batchRows[i] = rows[idx]
			}
			written, err := w.ExecuteBatchWrite(ctx, group.kind, batchRows)
			if err != nil {
				return fmt.Errorf("%s of %d rows: %w", group.kind, len(batchRows), err)
			}
			for i, idx := range group.indexes {
				ids[idx] = written[i]
			}
		}
		return nil
	}

	err = store.WithConn(ctx, e.store, func(conn store.Conn) error {
		if !cfg.EnableRollback {
			return write(conn)
		}
		return store.WithTx(ctx, conn, func(tx store.Tx) error { return write(tx) })
	})
	if err != nil {
		return nil, classifyWriteError(ctx, err)
	}
	return ids, nil
}

// classifyWriteError maps a failed batch onto the error taxonomy: the batch
// deadline becomes ErrTimeout, anything else from the store becomes
// ErrTransientStorage. Errors already classified keep their kind.
func classifyWriteError(batchCtx context.Context, err error) error {
	switch {
	case errors.Is(batchCtx.Err(), context.DeadlineExceeded):
		if errors.Is(err, ops.ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: batch exceeded its timeout: %w", ops.ErrTimeout, err)
	case ops.Classify(err) != ops.ErrorKindUnknown:
		return err
	}
	return fmt.Errorf("%w: %w", ops.ErrTransientStorage, err)
}

// buildRows converts tasks to store rows, computing derived fields for
// everything but deletes.
func (e *Executor) buildRows(ctx context.Context, cfg ops.Config, tasks []task) ([]store.Record, error) {
	rows := make([]store.Record, len(tasks))
	var (
		contents []string
		targets  []int
	)
	for i, t := range tasks {
		rows[i] = store.Record{
			ID:         t.item.ID,
			Content:    t.item.Content,
			Type:       t.item.Type,
			Importance: t.item.Importance,
			Metadata:   t.item.Metadata,
		}
		if t.kind != store.WriteDelete {
			contents = append(contents, t.item.Content)
			targets = append(targets, i)
		}
	}
	if e.computer == nil || len(contents) == 0 {
		return rows, nil
	}

	derived, err := transform.ComputeAll(ctx, e.computer, contents, cfg.Workers, 0)
	if err != nil {
		return nil, fmt.Errorf("computing derived fields: %w", err)
	}
	for i, idx := range targets {
		rows[idx].Derived = derived[i]
	}
	return rows, nil
}

type kindGroup struct {
	kind    store.WriteKind
	indexes []int
}

// groupByKind splits a batch into runs of one write kind, in the order the
// kinds first appear.
func groupByKind(tasks []task) []kindGroup {
	var groups []kindGroup
	pos := map[store.WriteKind]int{}
	for i, t := range tasks {
		g, ok := pos[t.kind]
		if !ok {
			g = len(groups)
			pos[t.kind] = g
			groups = append(groups, kindGroup{kind: t.kind})
		}
		groups[g].indexes = append(groups[g].indexes, i)
	}
	return groups
}

// loadPreImages reads the current state of every update and delete target.
func (e *Executor) loadPreImages(ctx context.Context, tasks []task) ([]store.Record, error) {
	var ids []string
	for _, t := range tasks {
		if t.kind != store.WriteInsert && t.item.ID != "" {
			ids = append(ids, t.item.ID)
		}
	}
	if len(ids) == 0 {
		return []store.Record{}, nil
	}

	var out []store.Record
	err := store.WithConn(ctx, e.store, func(conn store.Conn) error {
		for start := 0; start < len(ids); start += queryChunkSize {
			chunk := ids[start:min(start+queryChunkSize, len(ids))]
			recs, err := conn.QueryMatching(ctx, store.Predicate{IDs: chunk})
			if err != nil {
				return err
			}
			out = append(out, recs...)
		}
		return nil
	})
	return out, err
}
