package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/raold/second-brain-sub001/internal/engine"
	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/safety"
	"github.com/raold/second-brain-sub001/internal/store"
)

// Request is one bulk operation to submit. Which fields are read depends on
// Kind:
//
//	insert  Items
//	update  Items carrying ids, or Predicate and Patch
//	delete  Predicate
//	import  Payload in Config.Format, or Items
//	export  Predicate, written to Output in Config.Format
//
// Config.ResumeFrom continues an interrupted insert, update or import of
// Items from a progress checkpoint.
type Request struct {
	Kind      ops.Kind
	Config    ops.Config
	Items     []ops.BatchItem
	Predicate store.Predicate
	Patch     *engine.Patch
	Payload   io.Reader
	Output    io.Writer
}

func (req Request) validate() error {
	switch req.Kind {
	case ops.KindInsert:
	case ops.KindUpdate:
		if req.Patch == nil && len(req.Items) == 0 {
			return fmt.Errorf("%w: update needs items or a patch", ops.ErrValidation)
		}
		if req.Patch != nil && req.Config.ResumeFrom != "" {
			return fmt.Errorf("%w: a patch update cannot be resumed", ops.ErrValidation)
		}
	case ops.KindDelete:
		if req.Config.ResumeFrom != "" {
			return fmt.Errorf("%w: delete cannot be resumed", ops.ErrValidation)
		}
	case ops.KindImport:
		if req.Payload != nil && req.Config.ResumeFrom != "" {
			return fmt.Errorf("%w: resume an import from its decoded items", ops.ErrValidation)
		}
	case ops.KindExport:
		if req.Output == nil {
			return fmt.Errorf("%w: export needs an output", ops.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: operation kind %q cannot be submitted", ops.ErrValidation, req.Kind)
	}
	return nil
}

// Submit registers the operation and starts it in its own goroutine. It
// returns the operation id as soon as the operation is registered; use Wait
// or GetProgress to follow it. The operation keeps the values carried by ctx,
// including its logger, but not its cancellation: use Cancel.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	desc := ops.NewDescriptor(req.Kind, req.Config)

	// Registering under s.mu means Close either rejects this submission or
	// sees the record and cancels it.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	h, err := s.registry.Create(desc)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.running.Add(1)
	s.mu.Unlock()

	opCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.running.Done()

		res, err := s.dispatch(opCtx, req, desc)
		if err != nil {
			logging.FromContext(opCtx).Warn().
				Str("component", "service").
				Str("operation", string(desc.Kind)).
				Str("operation_id", desc.ID).
				Err(err).
				Msg("operation ended with error")
		}
		// Errors raised before the executor claimed the record leave it
		// pending; settle it so Wait returns.
		if _, ok := s.registry.Result(desc.ID); !ok {
			if err == nil {
				err = errors.New("operation ended without a result")
			}
			h.Finish(opCtx, failedResult(desc, res, err))
		}
	}()

	return desc.ID, nil
}

func (s *Service) dispatch(ctx context.Context, req Request, desc ops.Descriptor) (*ops.Result, error) {
	resume := desc.Config.ResumeFrom
	switch req.Kind {
	case ops.KindInsert:
		if resume != "" {
			return s.executor.Resume(ctx, req.Items, desc, resume)
		}
		return s.executor.Insert(ctx, req.Items, desc)
	case ops.KindUpdate:
		if req.Patch != nil {
			return s.executor.UpdateMatching(ctx, req.Predicate, *req.Patch, desc)
		}
		if resume != "" {
			return s.executor.Resume(ctx, req.Items, desc, resume)
		}
		return s.executor.UpdateItems(ctx, req.Items, desc)
	case ops.KindDelete:
		return s.executor.Delete(ctx, req.Predicate, desc)
	case ops.KindImport:
		if req.Payload != nil {
			return s.executor.Import(ctx, req.Payload, desc)
		}
		if resume != "" {
			return s.executor.Resume(ctx, req.Items, desc, resume)
		}
		return s.executor.Apply(ctx, req.Items, desc)
	case ops.KindExport:
		return s.executor.Export(ctx, req.Predicate, req.Output, desc)
	}
	return nil, fmt.Errorf("operation kind %q cannot be submitted", req.Kind)
}

func failedResult(desc ops.Descriptor, partial *ops.Result, err error) *ops.Result {
	if partial != nil {
		return partial
	}
	return &ops.Result{
		OperationID:  desc.ID,
		Kind:         desc.Kind,
		Status:       ops.StatusFailed,
		ErrorSummary: ops.ErrorSummary{ops.Classify(err): 1},
		Errors:       []ops.ItemError{ops.NewItemError(err, -1, "", -1)},
		StartedAt:    desc.CreatedAt,
		Err:          ops.Truncate(err.Error(), 500),
	}
}

// Run submits req and waits for it. If ctx ends first, the operation is
// cancelled and Run still waits for it to stop at its batch boundary.
func (s *Service) Run(ctx context.Context, req Request) (*ops.Result, error) {
	id, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := s.Wait(ctx, id)
	if err == nil {
		return res, nil
	}
	if ctx.Err() == nil {
		return nil, err
	}
	s.Cancel(id)
	return s.Wait(context.WithoutCancel(ctx), id)
}

// Wait blocks until the operation finishes or ctx is done. Operations that
// finished before the process started, or were pruned, are read from the
// ledger.
func (s *Service) Wait(ctx context.Context, id string) (*ops.Result, error) {
	res, err := s.registry.Wait(ctx, id)
	if err == nil || !errors.Is(err, ops.ErrNotFound) {
		return res, err
	}

	rec, err := s.db.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(rec.Result) == 0 || string(rec.Result) == "null" {
		return nil, fmt.Errorf("operation %s is %s and not tracked by this process: %w",
			id, rec.Status, ops.ErrOperationActive)
	}
	var out ops.Result
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return nil, fmt.Errorf("decoding result of %s: %w", id, err)
	}
	return &out, nil
}

// GetProgress returns a snapshot of the operation, live or from the ledger.
func (s *Service) GetProgress(ctx context.Context, id string) (ops.Progress, error) {
	if p, ok := s.registry.Get(id); ok {
		return p, nil
	}
	rec, err := s.db.GetOperation(ctx, id)
	if err != nil {
		return ops.Progress{}, err
	}
	return decodeProgress(*rec)
}

func decodeProgress(rec store.OperationRecord) (ops.Progress, error) {
	var p ops.Progress
	if err := json.Unmarshal(rec.Progress, &p); err != nil {
		return p, fmt.Errorf("decoding progress of %s: %w", rec.ID, err)
	}
	if p.OperationID == "" {
		p.OperationID = rec.ID
		p.Kind = ops.Kind(rec.Kind)
		p.Status = ops.Status(rec.Status)
	}
	return p, nil
}

// Cancel requests cooperative cancellation. It reports false for unknown or
// finished operations.
func (s *Service) Cancel(id string) bool {
	return s.registry.Cancel(id)
}

// ListOperations returns operations newest first: live records from this
// process merged with the ledger. An empty status matches all; a limit of
// zero or less returns everything.
func (s *Service) ListOperations(ctx context.Context, status ops.Status, limit int) ([]ops.Progress, error) {
	live := s.registry.List(status, 0)
	seen := make(map[string]struct{}, len(live))
	out := make([]ops.Progress, 0, len(live))
	for _, p := range live {
		seen[p.OperationID] = struct{}{}
		out = append(out, p)
	}

	recs, err := s.db.ListOperations(ctx, string(status), limit)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		p, err := decodeProgress(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].OperationID > out[j].OperationID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ItemOutcomes returns the per-item ledger of an operation.
func (s *Service) ItemOutcomes(ctx context.Context, id string) ([]store.ItemOutcome, error) {
	return s.db.ItemOutcomes(ctx, id)
}

// ExecuteRollback undoes an operation through its rollback point.
func (s *Service) ExecuteRollback(ctx context.Context, rollbackPointID string) (bool, error) {
	return s.safety.ExecuteRollback(ctx, rollbackPointID)
}

// MaintenanceReport summarizes a maintenance pass.
type MaintenanceReport struct {
	safety.PurgeReport

	PrunedOperations int `json:"pruned_operations"`
	PurgedLedgerRows int `json:"purged_ledger_rows"`
}

// Maintenance purges expired checkpoints and seen-set entries, evicts
// finished operations from memory once they are in the ledger, and removes
// ledger rows older than the checkpoint retention window. Nothing is purged
// unless Maintenance is called.
func (s *Service) Maintenance(ctx context.Context, now time.Time) (MaintenanceReport, error) {
	var report MaintenanceReport

	purge, err := s.safety.PurgeExpired(now)
	report.PurgeReport = purge
	if err != nil {
		return report, err
	}

	report.PrunedOperations = s.registry.Prune(ctx, now)

	n, err := s.db.PurgeOperations(ctx, now.Add(-s.cfg.Checkpoints.Retention))
	report.PurgedLedgerRows = n
	if err != nil {
		return report, err
	}

	logging.FromContext(ctx).Info().
		Str("component", "service").
		Int("checkpoints", report.Checkpoints).
		Int("seen_entries", report.SeenEntries).
		Int("pruned_operations", report.PrunedOperations).
		Int("purged_ledger_rows", report.PurgedLedgerRows).
		Msg("maintenance complete")
	return report, nil
}
