package registry

import (
	"context"
	"time"

	"github.com/raold/second-brain-sub001/internal/events"
	"github.com/raold/second-brain-sub001/internal/ops"
)

// Handle is the single-writer view of one operation's record.
type Handle struct {
	r *Registry
	e *entry
}

// ID returns the operation id.
func (h *Handle) ID() string { return h.e.desc.ID }

// Descriptor returns the operation descriptor.
func (h *Handle) Descriptor() ops.Descriptor { return h.e.desc }

// CancelRequested reports whether Cancel was called for this operation.
func (h *Handle) CancelRequested() bool { return h.e.cancelRequested.Load() }

// Snapshot returns a copy of the current progress.
func (h *Handle) Snapshot() ops.Progress {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.progress.Clone()
}

// Start moves the record to running and persists it.
func (h *Handle) Start(ctx context.Context, totalItems int) {
	h.e.mu.Lock()
	h.e.progress.Status = ops.StatusRunning
	h.e.progress.TotalItems = totalItems
	h.e.progress.UpdatedAt = h.r.now().UTC()
	h.e.mu.Unlock()
	_ = h.r.persist(ctx, h.e)
}

// Update applies fn to the live progress record and publishes the resulting
// change as a progress event.
func (h *Handle) Update(fn func(p *ops.Progress)) {
	h.RecordBatch(0, fn)
}

// RecordBatch is Update for a finished batch; took is reported with the
// event.
func (h *Handle) RecordBatch(took time.Duration, fn func(p *ops.Progress)) {
	h.e.mu.Lock()
	before := h.e.progress
	fn(&h.e.progress)
	h.e.progress.UpdatedAt = h.r.now().UTC()
	after := h.e.progress
	h.e.mu.Unlock()

	delta := events.ProgressDelta{
		Processed:     after.ProcessedItems - before.ProcessedItems,
		Successful:    after.SuccessfulItems - before.SuccessfulItems,
		Failed:        after.FailedItems - before.FailedItems,
		Skipped:       after.SkippedItems - before.SkippedItems,
		CurrentBatch:  after.CurrentBatch,
		TotalBatches:  after.TotalBatches,
		BatchDuration: took,
	}
	if delta.IsZero() && took == 0 {
		return
	}
	h.r.bus.Publish(events.Progress(h.ID(), after.Kind, after.Status, delta))
}

// Finish records the final result, persists it to the ledger and publishes
// a completion event. Calls after the first are ignored.
func (h *Handle) Finish(ctx context.Context, result *ops.Result) {
	h.e.mu.Lock()
	if h.e.result != nil {
		h.e.mu.Unlock()
		return
	}
	completed := result.CompletedAt
	if completed.IsZero() {
		completed = h.r.now().UTC()
		result.CompletedAt = completed
	}
	p := &h.e.progress
	p.Status = result.Status
	p.TotalItems = result.TotalItems
	p.ProcessedItems = result.ProcessedItems
	p.SuccessfulItems = result.SuccessfulItems
	p.FailedItems = result.FailedItems
	p.SkippedItems = result.SkippedItems
	p.Performance = result.Metrics
	p.UpdatedAt = completed
	p.CompletedAt = &completed
	h.e.result = result
	h.e.mu.Unlock()

	_ = h.r.persist(ctx, h.e)
	h.r.bus.Publish(events.Completion(result))
	close(h.e.done)

	h.r.logger.Debug().
		Str("component", "registry").
		Str("operation_id", h.ID()).
		Str("status", string(result.Status)).
		Msg("operation finished")
}
