package ops

import (
	"time"
)

// Performance holds throughput counters for an operation.
type Performance struct {
	ItemsPerSecond   float64       `json:"items_per_second"`
	AverageBatchTime time.Duration `json:"average_batch_time"`
	Batches          int           `json:"batches"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Progress is a point-in-time view of an operation.
//
// The registry owns the live copy; callers only ever receive values. While an
// operation runs, ProcessedItems == SuccessfulItems + FailedItems holds; once
// validation is done TotalItems == ProcessedItems + SkippedItems + pending.
type Progress struct {
	OperationID     string       `json:"operation_id"`
	Kind            Kind         `json:"kind"`
	Status          Status       `json:"status"`
	TotalItems      int          `json:"total_items"`
	ProcessedItems  int          `json:"processed_items"`
	SuccessfulItems int          `json:"successful_items"`
	FailedItems     int          `json:"failed_items"`
	SkippedItems    int          `json:"skipped_items"`
	CurrentBatch    int          `json:"current_batch"`
	TotalBatches    int          `json:"total_batches"`
	StartedAt       time.Time    `json:"started_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	Errors          []ItemError  `json:"errors,omitempty"`
	ErrorSummary    ErrorSummary `json:"error_summary,omitempty"`
	Performance     Performance  `json:"performance"`
}

// NewProgress returns the pending progress record for a descriptor.
func NewProgress(d Descriptor) Progress {
	now := time.Now().UTC()
	return Progress{
		OperationID:  d.ID,
		Kind:         d.Kind,
		Status:       StatusPending,
		StartedAt:    now,
		UpdatedAt:    now,
		ErrorSummary: ErrorSummary{},
	}
}

// PercentComplete returns the share of non-skipped items processed (0-100).
func (p Progress) PercentComplete() float64 {
	denominator := p.TotalItems - p.SkippedItems
	if denominator <= 0 {
		if p.Status.IsTerminal() {
			return 100
		}
		return 0
	}
	return float64(p.ProcessedItems) / float64(denominator) * 100
}

// AddError appends an item error and counts it in the summary. The error list
// is capped at MaxRecordedErrors; the summary is not.
func (p *Progress) AddError(e ItemError) {
	if p.ErrorSummary == nil {
		p.ErrorSummary = ErrorSummary{}
	}
	p.ErrorSummary.Add(e.Kind, 1)
	if len(p.Errors) < MaxRecordedErrors {
		p.Errors = append(p.Errors, e)
	}
}

// MaxRecordedErrors caps the per-operation human-facing error list.
const MaxRecordedErrors = 1000

// Clone returns a deep copy safe to hand to other goroutines.
func (p Progress) Clone() Progress {
	c := p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	if p.Errors != nil {
		c.Errors = append([]ItemError(nil), p.Errors...)
	}
	if p.ErrorSummary != nil {
		c.ErrorSummary = make(ErrorSummary, len(p.ErrorSummary))
		for k, v := range p.ErrorSummary {
			c.ErrorSummary[k] = v
		}
	}
	return c
}
