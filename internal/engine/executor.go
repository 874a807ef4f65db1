// Package engine drives bulk operations against the store: the chunked
// apply loop shared by inserts, updates, deletes and imports, plus streaming
// exports and checkpoint-based resume.
//
// Every operation follows the same skeleton. A safety check runs first and
// aborts before any write. Items are validated and optionally de-duplicated;
// rejected items are skipped with their errors attached. The remaining items
// are written in batches, each batch in its own transaction when rollback is
// enabled, and progress is published to the registry after every batch.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/registry"
	"github.com/raold/second-brain-sub001/internal/safety"
	"github.com/raold/second-brain-sub001/internal/store"
	"github.com/raold/second-brain-sub001/internal/transform"
	"github.com/raold/second-brain-sub001/internal/validation"
)

// Retry backoff bounds.
const (
	DefaultRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
)

// queryChunkSize bounds the ids per pre-image lookup.
const queryChunkSize = 500

// Option customizes an Executor.
type Option func(*Executor)

// WithLedger records per-item outcomes to l.
func WithLedger(l store.Ledger) Option {
	return func(e *Executor) { e.ledger = l }
}

// WithCheckpoints enables progress checkpoints and rollback points.
func WithCheckpoints(s checkpoint.Store) Option {
	return func(e *Executor) { e.checkpoints = s }
}

// WithComputer sets the derived-field collaborator. Without one, records
// are written without derived fields.
func WithComputer(c transform.Computer) Option {
	return func(e *Executor) { e.computer = c }
}

// WithRegistry shares an operation registry with other components.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithValidator replaces the default validation pipeline.
func WithValidator(p *validation.Pipeline) Option {
	return func(e *Executor) { e.validator = p }
}

// WithSafety replaces the default safety enforcer.
func WithSafety(s *safety.Enforcer) Option {
	return func(e *Executor) { e.safety = s }
}

// WithRetryBackoff sets the base delay between batch retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Executor) { e.retryBackoff = d }
}

// Executor runs bulk operations. One Executor serves any number of
// concurrent operations; batches within an operation run sequentially.
type Executor struct {
	store        store.Store
	ledger       store.Ledger
	checkpoints  checkpoint.Store
	computer     transform.Computer
	registry     *registry.Registry
	validator    *validation.Pipeline
	safety       *safety.Enforcer
	retryBackoff time.Duration
}

// New creates an executor writing to st.
func New(st store.Store, opts ...Option) *Executor {
	e := &Executor{
		store:        st,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = registry.New()
	}
	if e.validator == nil {
		e.validator = validation.New(validation.DefaultOptions())
	}
	if e.safety == nil {
		e.safety = safety.New(safety.DefaultConfig(), e.checkpoints, st)
	}
	return e
}

// Registry returns the registry operations are tracked in.
func (e *Executor) Registry() *registry.Registry {
	return e.registry
}

// Safety returns the safety enforcer.
func (e *Executor) Safety() *safety.Enforcer {
	return e.safety
}

// Apply runs the operation described by desc over items. The write issued
// for each item follows desc.Kind: insert and import insert, update updates
// by id, delete deletes by id.
//
// Operation-level failures (safety violations, unreadable checkpoints,
// invalid configuration) are returned as errors together with the failed
// result. Batch-level failures are reported through the result only.
func (e *Executor) Apply(ctx context.Context, items []ops.BatchItem, desc ops.Descriptor) (*ops.Result, error) {
	kind, err := writeKindFor(desc.Kind)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, job{
		desc:     desc,
		validate: kind != store.WriteDelete,
		load: func(context.Context) (plan, error) {
			return planFromItems(items, kind), nil
		},
	})
}

// Insert writes items as new records.
func (e *Executor) Insert(ctx context.Context, items []ops.BatchItem, desc ops.Descriptor) (*ops.Result, error) {
	desc.Kind = ops.KindInsert
	return e.Apply(ctx, items, desc)
}

// UpdateItems overwrites the records named by each item's id.
func (e *Executor) UpdateItems(ctx context.Context, items []ops.BatchItem, desc ops.Descriptor) (*ops.Result, error) {
	if desc.Kind == "" {
		desc.Kind = ops.KindUpdate
	}
	return e.run(ctx, job{
		desc:     desc,
		validate: true,
		load: func(context.Context) (plan, error) {
			for _, item := range items {
				if item.ID == "" {
					return plan{}, fmt.Errorf("update item at position %d has no id", item.Position)
				}
			}
			return planFromItems(items, store.WriteUpdate), nil
		},
	})
}

// Resume continues an interrupted operation from a progress checkpoint.
// items must be the same input the interrupted run received. Items before
// the checkpoint offset or already recorded as processed are not written
// again, and the identifiers the interrupted run wrote are carried into the
// result.
func (e *Executor) Resume(ctx context.Context, items []ops.BatchItem, desc ops.Descriptor, checkpointID string) (*ops.Result, error) {
	kind, err := writeKindFor(desc.Kind)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, job{
		desc:       desc,
		validate:   kind != store.WriteDelete,
		resumeFrom: checkpointID,
		load: func(context.Context) (plan, error) {
			return planFromItems(items, kind), nil
		},
	})
}

func writeKindFor(kind ops.Kind) (store.WriteKind, error) {
	switch kind {
	case ops.KindInsert, ops.KindImport:
		return store.WriteInsert, nil
	case ops.KindUpdate, ops.KindMigrate, ops.KindCleanup:
		return store.WriteUpdate, nil
	case ops.KindDelete:
		return store.WriteDelete, nil
	case ops.KindExport, ops.KindAnalyze:
	}
	return "", fmt.Errorf("operation kind %q does not write items", kind)
}

// task is one item scheduled for writing.
type task struct {
	item ops.BatchItem
	kind store.WriteKind
}

// skippedItem is an item rejected before batching.
type skippedItem struct {
	item ops.BatchItem
	err  error
}

// plan is the prepared work of an operation.
type plan struct {
	tasks   []task
	skipped []skippedItem

	// preImages are the current states of update and delete targets when
	// the loader already fetched them.
	preImages []store.Record
}

// job describes an operation to run.
type job struct {
	desc     ops.Descriptor
	validate bool

	// load prepares the plan. It runs after the operation is registered, so
	// its failures are recorded like any other.
	load func(ctx context.Context) (plan, error)

	resumeFrom string
}

func planFromItems(items []ops.BatchItem, kind store.WriteKind) plan {
	tasks := make([]task, len(items))
	for i, item := range items {
		item.Position = i
		tasks[i] = task{item: item, kind: kind}
	}
	return plan{tasks: tasks}
}
