package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// Patch describes the change UpdateMatching applies to every target. Nil
// fields are left unchanged; Metadata keys are merged over the existing
// metadata and RemoveMetadata keys are deleted.
type Patch struct {
	Content        *string        `json:"content,omitempty"         yaml:"content,omitempty"`
	Type           *string        `json:"type,omitempty"            yaml:"type,omitempty"`
	Importance     *float64       `json:"importance,omitempty"      yaml:"importance,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"        yaml:"metadata,omitempty"`
	RemoveMetadata []string       `json:"remove_metadata,omitempty" yaml:"remove_metadata,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Content == nil && p.Type == nil && p.Importance == nil &&
		len(p.Metadata) == 0 && len(p.RemoveMetadata) == 0
}

// Apply returns the item rec becomes under the patch.
func (p Patch) Apply(rec store.Record) ops.BatchItem {
	item := ops.BatchItem{
		ID:         rec.ID,
		Content:    rec.Content,
		Type:       rec.Type,
		Importance: rec.Importance,
	}
	if p.Content != nil {
		item.Content = *p.Content
	}
	if p.Type != nil {
		item.Type = *p.Type
	}
	if p.Importance != nil {
		item.Importance = *p.Importance
	}
	if len(rec.Metadata) > 0 || len(p.Metadata) > 0 {
		meta := rec.Clone().Metadata
		if meta == nil {
			meta = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(meta, p.Metadata)
		for _, k := range p.RemoveMetadata {
			delete(meta, k)
		}
		item.Metadata = meta
	}
	return item
}

// UpdateMatching applies patch to every record matching predicate. The
// targets are selected once, before the first write, and their current state
// is kept as the rollback pre-image.
func (e *Executor) UpdateMatching(ctx context.Context, predicate store.Predicate, patch Patch, desc ops.Descriptor) (*ops.Result, error) {
	desc.Kind = ops.KindUpdate
	return e.run(ctx, job{
		desc:     desc,
		validate: true,
		load: func(ctx context.Context) (plan, error) {
			if patch.IsEmpty() {
				return plan{}, fmt.Errorf("%w: update patch is empty", ops.ErrPrecondition)
			}
			targets, err := e.queryTargets(ctx, predicate)
			if err != nil {
				return plan{}, err
			}
			tasks := make([]task, len(targets))
			for i, rec := range targets {
				item := patch.Apply(rec)
				item.Position = i
				tasks[i] = task{item: item, kind: store.WriteUpdate}
			}
			return plan{tasks: tasks, preImages: targets}, nil
		},
	})
}

// Delete removes every record matching predicate. If more records match
// than desc.Config.SafetyLimit, the operation fails with a safety violation
// before anything is deleted.
func (e *Executor) Delete(ctx context.Context, predicate store.Predicate, desc ops.Descriptor) (*ops.Result, error) {
	desc.Kind = ops.KindDelete
	limit := desc.Config.WithDefaults().SafetyLimit
	return e.run(ctx, job{
		desc: desc,
		load: func(ctx context.Context) (plan, error) {
			var matched int
			err := store.WithConn(ctx, e.store, func(conn store.Conn) error {
				var err error
				matched, err = conn.CountMatching(ctx, predicate)
				return err
			})
			if err != nil {
				return plan{}, fmt.Errorf("%w: counting delete targets: %w", ops.ErrTransientStorage, err)
			}
			if matched > limit {
				return plan{}, &ops.SafetyViolationError{Reasons: []string{
					fmt.Sprintf("delete would affect %d records, safety limit is %d", matched, limit),
				}}
			}

			targets, err := e.queryTargets(ctx, predicate)
			if err != nil {
				return plan{}, err
			}
			tasks := make([]task, len(targets))
			for i, rec := range targets {
				tasks[i] = task{
					item: ops.BatchItem{ID: rec.ID, Content: rec.Content, Type: rec.Type, Position: i},
					kind: store.WriteDelete,
				}
			}
			return plan{tasks: tasks, preImages: targets}, nil
		},
	})
}

// queryTargets loads every record matching predicate, ignoring its limit
// and offset.
func (e *Executor) queryTargets(ctx context.Context, predicate store.Predicate) ([]store.Record, error) {
	predicate.Limit = 0
	predicate.Offset = 0
	var targets []store.Record
	err := store.WithConn(ctx, e.store, func(conn store.Conn) error {
		var err error
		targets, err = conn.QueryMatching(ctx, predicate)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: selecting targets: %w", ops.ErrTransientStorage, err)
	}
	return targets, nil
}
