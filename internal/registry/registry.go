// Package registry tracks in-flight and recently finished operations.
//
// The registry holds at most one active progress record per operation id.
// Each record has a single writer, the worker executing the operation, which
// mutates it through a Handle; every other caller receives snapshots.
// Terminal outcomes are written to the operations ledger before a record can
// be pruned from memory.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/raold/second-brain-sub001/internal/events"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

var errOperationID = errors.New("operation id is required")

// Persister stores operation ledger rows. *store.SQLite satisfies it.
type Persister interface {
	SaveOperation(ctx context.Context, rec store.OperationRecord) error
}

// Option customizes a Registry.
type Option func(*Registry)

// WithPersister persists lifecycle transitions to p.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithBus publishes progress and completion events to b.
func WithBus(b *events.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the process-wide operation table. It is safe for concurrent use.
type Registry struct {
	persister Persister
	bus       *events.Bus
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	desc ops.Descriptor

	mu        sync.Mutex
	progress  ops.Progress
	result    *ops.Result
	claimed   bool
	persisted bool

	cancelRequested atomic.Bool
	done            chan struct{}
}

func (e *entry) terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress.Status.IsTerminal()
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:  zerolog.Nop(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a pending record for desc. It fails with
// ops.ErrOperationActive if a non-terminal record exists for the same id; a
// terminal record is replaced.
func (r *Registry) Create(desc ops.Descriptor) (*Handle, error) {
	return r.register(desc, false)
}

// Claim returns the handle of a pending record created for desc and not yet
// claimed by a worker, or registers and claims a new one. Executors call
// Claim so that both pre-registered and direct submissions work.
func (r *Registry) Claim(desc ops.Descriptor) (*Handle, error) {
	r.mu.Lock()
	if e, ok := r.entries[desc.ID]; ok && !e.terminal() {
		e.mu.Lock()
		defer e.mu.Unlock()
		defer r.mu.Unlock()
		if e.claimed {
			return nil, fmt.Errorf("operation %s: %w", desc.ID, ops.ErrOperationActive)
		}
		e.claimed = true
		return &Handle{r: r, e: e}, nil
	}
	r.mu.Unlock()
	return r.register(desc, true)
}

func (r *Registry) register(desc ops.Descriptor, claimed bool) (*Handle, error) {
	if desc.ID == "" {
		return nil, errOperationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[desc.ID]; ok && !e.terminal() {
		return nil, fmt.Errorf("operation %s: %w", desc.ID, ops.ErrOperationActive)
	}

	p := ops.NewProgress(desc)
	now := r.now().UTC()
	p.StartedAt = now
	p.UpdatedAt = now
	e := &entry{
		desc:     desc,
		progress: p,
		claimed:  claimed,
		done:     make(chan struct{}),
	}
	r.entries[desc.ID] = e
	return &Handle{r: r, e: e}, nil
}

// Get returns a snapshot of an operation's progress.
func (r *Registry) Get(id string) (ops.Progress, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return ops.Progress{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress.Clone(), true
}

// Result returns the final result of a finished operation.
func (r *Registry) Result(id string) (*ops.Result, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.result != nil
}

// Wait blocks until the operation finishes or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (*ops.Result, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, ops.ErrNotFound)
	}
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. The worker honors it at the next
// batch boundary. It returns false when the operation is unknown or already
// finished.
func (r *Registry) Cancel(id string) bool {
	e, ok := r.lookup(id)
	if !ok || e.terminal() {
		return false
	}
	e.cancelRequested.Store(true)
	r.logger.Info().
		Str("component", "registry").
		Str("operation_id", id).
		Msg("cancellation requested")
	return true
}

// List returns snapshots newest first. An empty status matches every record;
// a limit of zero or less returns all of them.
func (r *Registry) List(status ops.Status, limit int) []ops.Progress {
	r.mu.RLock()
	out := make([]ops.Progress, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		if status == "" || e.progress.Status == status {
			out = append(out, e.progress.Clone())
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].OperationID > out[j].OperationID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Active returns the number of non-terminal records.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.terminal() {
			n++
		}
	}
	return n
}

// Prune evicts terminal records that finished before cutoff. A record whose
// ledger write previously failed is persisted again first and kept if that
// still fails.
func (r *Registry) Prune(ctx context.Context, cutoff time.Time) int {
	r.mu.Lock()
	var candidates []*entry
	for _, e := range r.entries {
		e.mu.Lock()
		if e.progress.Status.IsTerminal() && e.progress.CompletedAt != nil && e.progress.CompletedAt.Before(cutoff) {
			candidates = append(candidates, e)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	pruned := 0
	for _, e := range candidates {
		e.mu.Lock()
		persisted := e.persisted
		e.mu.Unlock()
		if !persisted && r.persist(ctx, e) != nil {
			continue
		}
		r.mu.Lock()
		if cur, ok := r.entries[e.desc.ID]; ok && cur == e {
			delete(r.entries, e.desc.ID)
			pruned++
		}
		r.mu.Unlock()
	}
	return pruned
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// persist writes the entry's current state to the ledger.
func (r *Registry) persist(ctx context.Context, e *entry) error {
	if r.persister == nil {
		e.mu.Lock()
		e.persisted = e.progress.Status.IsTerminal()
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	p := e.progress.Clone()
	result := e.result
	e.mu.Unlock()

	rec := store.OperationRecord{
		ID:        e.desc.ID,
		Kind:      string(e.desc.Kind),
		Status:    string(p.Status),
		CreatedAt: e.desc.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	var err error
	if rec.Config, err = json.Marshal(e.desc.Config); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if rec.Progress, err = json.Marshal(p); err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	if result != nil {
		if rec.Result, err = json.Marshal(result); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
	}

	if err := r.persister.SaveOperation(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error().
			Str("component", "registry").
			Str("operation_id", e.desc.ID).
			Str("status", string(p.Status)).
			Err(err).
			Msg("persisting operation failed")
		return err
	}

	e.mu.Lock()
	if p.Status.IsTerminal() {
		e.persisted = true
	}
	e.mu.Unlock()
	return nil
}
