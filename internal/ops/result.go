package ops

import (
	"time"
)

// Result is the immutable outcome of a finished operation.
type Result struct {
	OperationID       string       `json:"operation_id"`
	Kind              Kind         `json:"kind"`
	Status            Status       `json:"status"`
	TotalItems        int          `json:"total_items"`
	ProcessedItems    int          `json:"processed_items"`
	SuccessfulItems   int          `json:"successful_items"`
	FailedItems       int          `json:"failed_items"`
	SkippedItems      int          `json:"skipped_items"`
	IDs               []string     `json:"ids,omitempty"`
	ErrorSummary      ErrorSummary `json:"error_summary,omitempty"`
	Errors            []ItemError  `json:"errors,omitempty"`
	Metrics           Performance  `json:"metrics"`
	StartedAt         time.Time    `json:"started_at"`
	CompletedAt       time.Time    `json:"completed_at"`
	CheckpointID      string       `json:"checkpoint_id,omitempty"`
	RollbackPointID   string       `json:"rollback_point_id,omitempty"`
	ResumedFromOffset int          `json:"resumed_from_offset,omitempty"`
	Err               string       `json:"error,omitempty"`
}

// ResultFromProgress freezes a terminal progress record into a Result.
func ResultFromProgress(p Progress, ids []string) *Result {
	c := p.Clone()
	completed := c.UpdatedAt
	if c.CompletedAt != nil {
		completed = *c.CompletedAt
	}
	return &Result{
		OperationID:     c.OperationID,
		Kind:            c.Kind,
		Status:          c.Status,
		TotalItems:      c.TotalItems,
		ProcessedItems:  c.ProcessedItems,
		SuccessfulItems: c.SuccessfulItems,
		FailedItems:     c.FailedItems,
		SkippedItems:    c.SkippedItems,
		IDs:             append([]string(nil), ids...),
		ErrorSummary:    c.ErrorSummary,
		Errors:          c.Errors,
		Metrics:         c.Performance,
		StartedAt:       c.StartedAt,
		CompletedAt:     completed,
	}
}

// Balanced reports whether every item is accounted for as successful,
// failed, or skipped.
func (r *Result) Balanced() bool {
	return r.SuccessfulItems+r.FailedItems+r.SkippedItems == r.TotalItems
}

// Succeeded reports whether the operation completed.
func (r *Result) Succeeded() bool {
	return r.Status == StatusCompleted
}
