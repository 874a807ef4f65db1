package engine

import (
	"context"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// Import parses a payload in desc.Config.Format and writes its records.
// Records whose content already exists in the store, or repeats earlier
// content in the payload, are handled by desc.Config.DuplicateStrategy:
//
//	skip     leave the stored record alone and skip the item
//	update   update the stored record, merging metadata
//	replace  overwrite the stored record with the item
//	append   insert the item as a new record regardless
//
// Items carrying the id of a stored record always update it.
func (e *Executor) Import(ctx context.Context, r io.Reader, desc ops.Descriptor) (*ops.Result, error) {
	desc.Kind = ops.KindImport
	cfg := desc.Config.WithDefaults()
	return e.run(ctx, job{
		desc:     desc,
		validate: true,
		load: func(ctx context.Context) (plan, error) {
			items, err := decodeItems(r, cfg.Format)
			if err != nil {
				return plan{}, fmt.Errorf("%w: %w", ops.ErrValidation, err)
			}
			return e.planImport(ctx, items, cfg.DuplicateStrategy)
		},
	})
}

func (e *Executor) planImport(ctx context.Context, items []ops.BatchItem, strategy ops.DuplicateStrategy) (plan, error) {
	hashes := make([]string, len(items))
	var ids []string
	for i, item := range items {
		hashes[i] = ops.ContentHash(item.Content)
		if item.ID != "" {
			ids = append(ids, item.ID)
		}
	}

	byHash := map[string]store.Record{}
	byID := map[string]store.Record{}
	err := store.WithConn(ctx, e.store, func(conn store.Conn) error {
		for start := 0; start < len(hashes); start += queryChunkSize {
			chunk := hashes[start:min(start+queryChunkSize, len(hashes))]
			recs, err := conn.QueryMatching(ctx, store.Predicate{ContentHashes: chunk})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if _, ok := byHash[rec.ContentHash]; !ok {
					byHash[rec.ContentHash] = rec
				}
			}
		}
		for start := 0; start < len(ids); start += queryChunkSize {
			recs, err := conn.QueryMatching(ctx, store.Predicate{IDs: ids[start:min(start+queryChunkSize, len(ids))]})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				byID[rec.ID] = rec
			}
		}
		return nil
	})
	if err != nil {
		return plan{}, fmt.Errorf("%w: looking up existing records: %w", ops.ErrTransientStorage, err)
	}

	var p plan
	inPayload := map[string]int{}
	for i, item := range items {
		if item.ID != "" {
			if _, ok := byID[item.ID]; ok {
				p.tasks = append(p.tasks, task{item: item, kind: store.WriteUpdate})
				continue
			}
		}

		hash := hashes[i]
		if strategy != ops.DuplicateAppend {
			if first, seen := inPayload[hash]; seen {
				p.skipped = append(p.skipped, skippedItem{
					item: item,
					err:  fmt.Errorf("%w: repeats payload item %d", ops.ErrDuplicate, first),
				})
				continue
			}
			inPayload[hash] = item.Position
		}

		existing, stored := byHash[hash]
		if !stored || strategy == ops.DuplicateAppend {
			p.tasks = append(p.tasks, task{item: item, kind: store.WriteInsert})
			continue
		}

		switch strategy {
		case ops.DuplicateUpdate:
			merged := item
			merged.ID = existing.ID
			merged.Metadata = existing.Clone().Metadata
			if merged.Metadata == nil {
				merged.Metadata = map[string]any{}
			}
			maps.Copy(merged.Metadata, item.Metadata)
			p.tasks = append(p.tasks, task{item: merged, kind: store.WriteUpdate})
		case ops.DuplicateReplace:
			replaced := item
			replaced.ID = existing.ID
			p.tasks = append(p.tasks, task{item: replaced, kind: store.WriteUpdate})
		default:
			p.skipped = append(p.skipped, skippedItem{
				item: item,
				err:  fmt.Errorf("%w: already stored as %s", ops.ErrDuplicate, existing.ID),
			})
		}
	}
	return p, nil
}

// Export streams every record matching predicate to w in
// desc.Config.Format, one page of desc.Config.BatchSize records at a time.
// Pages are read by id (keyset pagination), so predicate.Offset is ignored;
// predicate.Limit caps the number of exported records.
func (e *Executor) Export(ctx context.Context, predicate store.Predicate, w io.Writer, desc ops.Descriptor) (*ops.Result, error) {
	desc.Kind = ops.KindExport
	r, ctx, err := e.newRunner(ctx, desc)
	if err != nil {
		return nil, err
	}

	var total int
	err = store.WithConn(ctx, e.store, func(conn store.Conn) error {
		var err error
		total, err = conn.CountMatching(ctx, predicate)
		return err
	})
	if err != nil {
		return r.abort(ctx, fmt.Errorf("%w: counting export records: %w", ops.ErrTransientStorage, err))
	}
	if predicate.Limit > 0 {
		total = min(total, predicate.Limit)
	}
	r.inputTotal = total

	enc, err := newEncoder(w, r.cfg.Format)
	if err != nil {
		return r.abort(ctx, err)
	}

	r.h.Start(ctx, total)
	pageSize := r.cfg.BatchSize
	r.h.Update(func(p *ops.Progress) { p.TotalBatches = (total + pageSize - 1) / pageSize })
	r.logger.Info().Int("items", total).Str("format", string(r.cfg.Format)).Msg("export started")

	after := predicate.AfterID
	remaining := total
	for index := 0; remaining > 0; index++ {
		if r.h.CancelRequested() || ctx.Err() != nil {
			_ = enc.Close()
			return r.finish(ctx, ops.StatusCancelled, ops.ErrCancelled), nil
		}

		started := time.Now()
		page := predicate
		page.AfterID = after
		page.Offset = 0
		page.Limit = min(pageSize, remaining)

		var recs []store.Record
		err := store.WithConn(ctx, e.store, func(conn store.Conn) error {
			var err error
			recs, err = conn.QueryMatching(ctx, page)
			return err
		})
		if err != nil {
			err = fmt.Errorf("%w: reading export page %d: %w", ops.ErrTransientStorage, index+1, err)
			return r.finish(ctx, ops.StatusFailed, err), err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return r.finish(ctx, ops.StatusFailed, err), err
			}
			r.ids = append(r.ids, rec.ID)
		}

		after = recs[len(recs)-1].ID
		remaining -= len(recs)
		took := time.Since(started)
		r.batchStats.ProcessedBatches++
		r.batchStats.AverageBatchTime += (took - r.batchStats.AverageBatchTime) / time.Duration(r.batchStats.ProcessedBatches)
		r.h.RecordBatch(took, func(p *ops.Progress) {
			p.ProcessedItems += len(recs)
			p.SuccessfulItems += len(recs)
			p.CurrentBatch = index + 1
			p.Performance = r.performance(p.ProcessedItems)
		})
	}

	if err := enc.Close(); err != nil {
		err = fmt.Errorf("finishing export: %w", err)
		return r.finish(ctx, ops.StatusFailed, err), err
	}
	return r.finish(ctx, ops.StatusCompleted, nil), nil
}
