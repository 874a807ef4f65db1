package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/engine/batch"
	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/registry"
	"github.com/raold/second-brain-sub001/internal/safety"
	"github.com/raold/second-brain-sub001/internal/store"
	"github.com/raold/second-brain-sub001/internal/validation"
)

// runner holds the state of one executing operation. It is owned by the
// goroutine running the operation.
type runner struct {
	e       *Executor
	h       *registry.Handle
	desc    ops.Descriptor
	cfg     ops.Config
	logger  zerolog.Logger
	started time.Time
	limiter *rate.Limiter

	// inputTotal is the size of the submitted input, before resume filtering.
	inputTotal int

	carried []string // ids written by the run being resumed
	ids     []string // ids written by this run

	// offset is the input position below which every item is settled. It
	// stops advancing at the first failed batch; later commits are tracked
	// through processed.
	offset       int
	offsetFrozen bool
	processed    []string
	resumedFrom  int

	sinceCheckpoint int
	checkpointID    string
	rollbackID      string
	pendingWritten  []string

	batchStats batch.ProgressSnapshot
}

func (e *Executor) run(ctx context.Context, j job) (*ops.Result, error) {
	r, ctx, err := e.newRunner(ctx, j.desc)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, j)
}

// newRunner registers the operation and returns its runner along with a
// context carrying the operation logger.
func (e *Executor) newRunner(ctx context.Context, desc ops.Descriptor) (*runner, context.Context, error) {
	if desc.ID == "" {
		desc.ID = ops.NewOperationID()
	}
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = time.Now().UTC()
	}
	desc.Config = desc.Config.WithDefaults()

	h, err := e.registry.Claim(desc)
	if err != nil {
		return nil, ctx, err
	}

	logger := logging.FromContext(ctx).With().
		Str("component", "engine").
		Str("operation", string(desc.Kind)).
		Str("operation_id", desc.ID).
		Logger()
	ctx = logger.WithContext(ctx)

	r := &runner{
		e:       e,
		h:       h,
		desc:    desc,
		cfg:     desc.Config,
		logger:  logger,
		started: time.Now(),
	}
	if r.cfg.WritesPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(r.cfg.WritesPerSecond), max(r.cfg.BatchSize, 1))
	}
	return r, ctx, nil
}

func (r *runner) execute(ctx context.Context, j job) (*ops.Result, error) {
	p, err := j.load(ctx)
	if err != nil {
		return r.abort(ctx, fmt.Errorf("preparing operation: %w", err))
	}
	r.inputTotal = len(p.tasks) + len(p.skipped)

	if j.resumeFrom != "" {
		if p, err = r.resume(p, j.resumeFrom); err != nil {
			return r.abort(ctx, err)
		}
	}

	total := len(p.tasks) + len(p.skipped)
	r.h.Start(ctx, total)
	r.logger.Info().
		Int("items", total).
		Int("batch_size", r.cfg.BatchSize).
		Bool("rollback", r.cfg.EnableRollback).
		Msg("operation started")

	if r.h.CancelRequested() {
		return r.finish(ctx, ops.StatusCancelled, ops.ErrCancelled), nil
	}

	if r.desc.Kind.Writes() {
		check := r.e.safety.CheckOperationSafety(r.desc.Kind, len(p.tasks), r.cfg.CallerID)
		if err := safety.Violation(check); err != nil {
			return r.abort(ctx, err)
		}
	}

	proc, err := batch.NewProcessor[task](r.cfg.BatchSize)
	if err != nil {
		return r.abort(ctx, err)
	}

	tasks, err := r.screen(ctx, j.validate, p)
	if err != nil {
		return r.abort(ctx, err)
	}

	if err := r.prepareRollback(ctx, tasks, p.preImages); err != nil {
		return r.abort(ctx, err)
	}

	status, loopErr := r.loop(ctx, proc, tasks)
	r.flushRollback(ctx)
	if status != ops.StatusCompleted && len(tasks) > 0 {
		r.saveCheckpoint(ctx)
	}
	return r.finish(ctx, status, loopErr), nil
}

// resume drops the items a progress checkpoint already covers.
func (r *runner) resume(p plan, checkpointID string) (plan, error) {
	if r.e.checkpoints == nil {
		return p, fmt.Errorf("resuming from %s: checkpoints are not configured", checkpointID)
	}
	cp, err := r.e.checkpoints.Load(checkpointID)
	if err != nil {
		return p, fmt.Errorf("resuming from %s: %w", checkpointID, err)
	}
	if cp.Purpose != checkpoint.PurposeProgress {
		return p, fmt.Errorf("%w: %s is a %s checkpoint", ops.ErrCheckpointCorrupted, checkpointID, cp.Purpose)
	}
	if cp.Total > 0 && cp.Total != r.inputTotal {
		return p, fmt.Errorf("%w: checkpoint %s covers %d items, input has %d",
			ops.ErrCheckpointCorrupted, checkpointID, cp.Total, r.inputTotal)
	}

	done := cp.ProcessedSet()
	kept := make([]task, 0, len(p.tasks))
	for _, t := range p.tasks {
		if t.item.Position < cp.Offset {
			continue
		}
		if _, ok := done[t.item.Key()]; ok {
			continue
		}
		kept = append(kept, t)
	}
	var skipped []skippedItem
	for _, s := range p.skipped {
		if s.item.Position >= cp.Offset {
			skipped = append(skipped, s)
		}
	}

	r.carried = append([]string(nil), cp.WrittenIDs...)
	r.processed = append([]string(nil), cp.ProcessedIDs...)
	r.offset = cp.Offset
	r.resumedFrom = cp.Offset
	r.logger.Info().
		Str("checkpoint_id", cp.ID).
		Int("offset", cp.Offset).
		Int("remaining", len(kept)).
		Msg("resuming from checkpoint")

	p.tasks = kept
	p.skipped = skipped
	return p, nil
}

// screen validates and de-duplicates tasks. Rejected items are recorded as
// skipped; the rest are returned in input order.
func (r *runner) screen(ctx context.Context, validate bool, p plan) ([]task, error) {
	skipped := append([]skippedItem(nil), p.skipped...)
	tasks := p.tasks

	if validate && len(tasks) > 0 {
		level, err := validation.ParseLevel(r.cfg.ValidationLevel)
		if err != nil {
			return nil, err
		}
		items := make([]ops.BatchItem, len(tasks))
		for i, t := range tasks {
			items[i] = t.item
		}
		results, err := r.e.validator.ValidateBatch(ctx, items, level)
		if err != nil {
			return nil, fmt.Errorf("validating items: %w", err)
		}
		kept := make([]task, 0, len(tasks))
		for i, res := range results {
			if res.Valid {
				kept = append(kept, tasks[i])
				continue
			}
			item := tasks[i].item
			item.ValidationErrors = append([]string(nil), res.Errors...)
			skipped = append(skipped, skippedItem{item: item, err: res.Err()})
		}
		tasks = kept
	}

	if r.cfg.DetectDuplicates && len(tasks) > 0 {
		var inserts []ops.BatchItem
		for _, t := range tasks {
			if t.kind == store.WriteInsert {
				inserts = append(inserts, t.item)
			}
		}
		_, dups := r.e.safety.DetectDuplicates(inserts)
		if len(dups) > 0 {
			dupPositions := make(map[int]struct{}, len(dups))
			for _, d := range dups {
				dupPositions[d.Position] = struct{}{}
				skipped = append(skipped, skippedItem{
					item: d,
					err:  fmt.Errorf("%w: content hash %s", ops.ErrDuplicate, ops.ContentHash(d.Content)[:12]),
				})
			}
			kept := make([]task, 0, len(tasks)-len(dups))
			for _, t := range tasks {
				if _, dup := dupPositions[t.item.Position]; dup && t.kind == store.WriteInsert {
					continue
				}
				kept = append(kept, t)
			}
			tasks = kept
		}
	}

	if len(skipped) > 0 {
		r.recordSkipped(ctx, skipped)
	}
	return tasks, nil
}

func (r *runner) recordSkipped(ctx context.Context, skipped []skippedItem) {
	outcomes := make([]store.ItemOutcome, len(skipped))
	for i, s := range skipped {
		outcomes[i] = store.ItemOutcome{
			OperationID:  r.desc.ID,
			BatchNumber:  -1,
			Position:     s.item.Position,
			TargetID:     s.item.ID,
			Status:       store.OutcomeSkipped,
			ErrorMessage: s.err.Error(),
		}
	}
	r.recordOutcomes(ctx, outcomes)

	r.h.Update(func(p *ops.Progress) {
		p.SkippedItems += len(skipped)
		for _, s := range skipped {
			p.AddError(ops.NewItemError(s.err, s.item.Position, s.item.ID, -1))
		}
	})
	r.logger.Info().Int("skipped", len(skipped)).Msg("items skipped before batching")
}

// prepareRollback captures the pre-images of update and delete targets and
// creates the operation's rollback point before the first write.
func (r *runner) prepareRollback(ctx context.Context, tasks []task, preImages []store.Record) error {
	if !r.cfg.EnableRollback || r.e.checkpoints == nil || len(tasks) == 0 {
		return nil
	}
	if preImages == nil {
		var err error
		if preImages, err = r.e.loadPreImages(ctx, tasks); err != nil {
			return fmt.Errorf("%w: capturing pre-images: %w", ops.ErrTransientStorage, err)
		}
	}
	id, err := r.e.safety.CreateRollbackPoint(ctx, r.desc.ID, r.desc.Kind, nil, preImages)
	if err != nil {
		return err
	}
	r.rollbackID = id
	return nil
}

// flushRollback adds ids written since the last checkpoint to the rollback
// point.
func (r *runner) flushRollback(ctx context.Context) {
	if r.rollbackID == "" || len(r.pendingWritten) == 0 {
		return
	}
	if err := r.e.safety.ExtendRollbackPoint(ctx, r.rollbackID, r.pendingWritten, nil); err != nil {
		r.logger.Warn().Err(err).Str("checkpoint_id", r.rollbackID).Msg("extending rollback point failed")
		return
	}
	r.pendingWritten = r.pendingWritten[:0]
}

func (r *runner) saveCheckpoint(ctx context.Context) {
	if r.e.checkpoints == nil {
		return
	}
	cp := &checkpoint.Checkpoint{
		OperationID:  r.desc.ID,
		Name:         fmt.Sprintf("offset-%d", r.offset),
		Purpose:      checkpoint.PurposeProgress,
		Kind:         r.desc.Kind,
		Offset:       r.offset,
		Total:        r.inputTotal,
		ProcessedIDs: append([]string(nil), r.processed...),
		WrittenIDs:   r.allIDs(),
	}
	if err := r.e.checkpoints.Save(cp); err != nil {
		r.logger.Warn().Err(err).Msg("saving progress checkpoint failed")
		return
	}
	r.checkpointID = cp.ID
	r.logger.Debug().
		Str("checkpoint_id", cp.ID).
		Int("offset", cp.Offset).
		Msg("progress checkpoint saved")
	r.flushRollback(ctx)
}

func (r *runner) allIDs() []string {
	out := make([]string, 0, len(r.carried)+len(r.ids))
	out = append(out, r.carried...)
	return append(out, r.ids...)
}

// loop writes tasks batch by batch and returns the terminal status.
func (r *runner) loop(ctx context.Context, proc *batch.Processor[task], tasks []task) (ops.Status, error) {
	proc.WithContinueOnError(r.cfg.ContinueOnError).
		WithStopCheck(r.h.CancelRequested).
		WithProgressCallback(func(s batch.ProgressSnapshot) { r.batchStats = s })

	totalBatches := proc.TotalBatches(len(tasks))
	r.h.Update(func(p *ops.Progress) { p.TotalBatches = totalBatches })

	summary, err := proc.Process(ctx, tasks, r.processBatch)
	switch {
	case err == nil:
		if summary.Failed > 0 {
			r.logger.Warn().Int("failed_batches", summary.Failed).Msg("operation completed with failed batches")
		}
		return ops.StatusCompleted, nil
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, batch.ErrStopped):
		return ops.StatusCancelled, ops.ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ops.StatusFailed, fmt.Errorf("%w: %w", ops.ErrTimeout, ctx.Err())
	}
	return ops.StatusFailed, err
}

func (r *runner) processBatch(ctx context.Context, b batch.Batch[task]) error {
	started := time.Now()
	log := r.logger.With().Int("batch", b.Index+1).Logger()

	if r.limiter != nil {
		if err := r.limiter.WaitN(ctx, len(b.Items)); err != nil {
			if ctx.Err() != nil {
				// Nothing was written yet; finish counts the batch as skipped.
				return err
			}
			r.batchFailed(ctx, b, err, time.Since(started))
			return err
		}
	}

	ids, err := r.e.writeWithRetry(log.WithContext(ctx), r.cfg, b.Items)
	took := time.Since(started)
	if err != nil {
		log.Warn().Err(err).Int("items", len(b.Items)).Dur("took", took).Msg("batch failed")
		r.batchFailed(ctx, b, err, took)
		return err
	}

	log.Debug().Int("items", len(b.Items)).Dur("took", took).Msg("batch committed")
	r.batchCommitted(ctx, b, ids, took)
	return nil
}

func (r *runner) batchFailed(ctx context.Context, b batch.Batch[task], err error, took time.Duration) {
	r.offsetFrozen = true

	outcomes := make([]store.ItemOutcome, len(b.Items))
	for i, t := range b.Items {
		outcomes[i] = store.ItemOutcome{
			OperationID:  r.desc.ID,
			BatchNumber:  b.Index + 1,
			Position:     t.item.Position,
			TargetID:     t.item.ID,
			Status:       store.OutcomeFailed,
			ErrorMessage: err.Error(),
		}
	}
	r.recordOutcomes(ctx, outcomes)

	r.h.RecordBatch(took, func(p *ops.Progress) {
		p.ProcessedItems += len(b.Items)
		p.FailedItems += len(b.Items)
		p.CurrentBatch = b.Index + 1
		for _, t := range b.Items {
			p.AddError(ops.NewItemError(err, t.item.Position, t.item.ID, b.Index+1))
		}
	})
}

func (r *runner) batchCommitted(ctx context.Context, b batch.Batch[task], ids []string, took time.Duration) {
	outcomes := make([]store.ItemOutcome, len(b.Items))
	var written []ops.BatchItem
	for i, t := range b.Items {
		outcomes[i] = store.ItemOutcome{
			OperationID: r.desc.ID,
			BatchNumber: b.Index + 1,
			Position:    t.item.Position,
			TargetID:    ids[i],
			Status:      store.OutcomeSuccess,
		}
		r.processed = append(r.processed, t.item.Key())
		if t.kind != store.WriteDelete {
			written = append(written, t.item)
		}
	}
	r.recordOutcomes(ctx, outcomes)
	r.e.safety.Remember(written)

	r.ids = append(r.ids, ids...)
	r.pendingWritten = append(r.pendingWritten, ids...)
	if !r.offsetFrozen {
		r.offset = b.Items[len(b.Items)-1].item.Position + 1
	}

	r.h.RecordBatch(took, func(p *ops.Progress) {
		p.ProcessedItems += len(b.Items)
		p.SuccessfulItems += len(b.Items)
		p.CurrentBatch = b.Index + 1
		p.Performance = r.performance(p.ProcessedItems)
	})

	r.sinceCheckpoint += len(b.Items)
	if r.sinceCheckpoint >= r.cfg.CheckpointFrequency {
		r.sinceCheckpoint = 0
		r.saveCheckpoint(ctx)
	}
}

// recordOutcomes writes item outcomes to the ledger. Outcomes are written
// after the batch transaction ends, never inside it.
func (r *runner) recordOutcomes(ctx context.Context, outcomes []store.ItemOutcome) {
	if r.e.ledger == nil || len(outcomes) == 0 {
		return
	}
	if err := r.e.ledger.RecordItemOutcomes(context.WithoutCancel(ctx), outcomes); err != nil {
		r.logger.Warn().Err(err).Int("outcomes", len(outcomes)).Msg("recording item outcomes failed")
	}
}

func (r *runner) performance(processed int) ops.Performance {
	elapsed := time.Since(r.started)
	perf := ops.Performance{
		AverageBatchTime: r.batchStats.AverageBatchTime,
		Batches:          r.batchStats.ProcessedBatches,
		Elapsed:          elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		perf.ItemsPerSecond = float64(processed) / secs
	}
	return perf
}

// abort ends an operation before its batch loop.
func (r *runner) abort(ctx context.Context, err error) (*ops.Result, error) {
	r.logger.Error().Err(err).Msg("operation aborted")
	r.h.Update(func(p *ops.Progress) {
		if p.TotalItems == 0 {
			p.TotalItems = r.inputTotal
		}
		p.AddError(ops.NewItemError(err, -1, "", -1))
	})
	return r.finish(ctx, ops.StatusFailed, err), err
}

// finish freezes the result and hands it to the registry. Items never
// attempted, because the operation stopped early, are counted as skipped so
// that every item is accounted for.
func (r *runner) finish(ctx context.Context, status ops.Status, err error) *ops.Result {
	r.h.Update(func(p *ops.Progress) {
		if rest := p.TotalItems - p.ProcessedItems - p.SkippedItems; rest > 0 {
			p.SkippedItems += rest
		}
	})
	snap := r.h.Snapshot()
	snap.Status = status
	now := time.Now().UTC()
	snap.CompletedAt = &now
	// The batch callback runs after RecordBatch, so refresh the counters.
	snap.Performance = r.performance(snap.ProcessedItems)

	res := ops.ResultFromProgress(snap, r.allIDs())
	res.CheckpointID = r.checkpointID
	res.RollbackPointID = r.rollbackID
	res.ResumedFromOffset = r.resumedFrom
	if err != nil {
		res.Err = err.Error()
	}
	r.h.Finish(ctx, res)

	event := r.logger.Info()
	if status != ops.StatusCompleted {
		event = r.logger.Warn()
	}
	event.
		Str("status", string(status)).
		Int("total", res.TotalItems).
		Int("successful", res.SuccessfulItems).
		Int("failed", res.FailedItems).
		Int("skipped", res.SkippedItems).
		Dur("elapsed", res.Metrics.Elapsed).
		Msg("operation finished")
	return res
}
