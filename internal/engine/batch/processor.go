package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default batch processing configuration.
const (
	// DefaultBatchSize is the default number of items per batch.
	DefaultBatchSize = 100

	// MinBatchSize is the minimum allowed batch size.
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size.
	MaxBatchSize = 10000
)

// Common batch processing errors.
var (
	ErrInvalidBatchSize = fmt.Errorf("batch size must be between %d and %d", MinBatchSize, MaxBatchSize)
	ErrNilCallback      = errors.New("batch callback cannot be nil")
	ErrStopped          = errors.New("processing stopped")
)

// Batch is one chunk of the input.
type Batch[T any] struct {
	// Index is the 0-based batch number.
	Index int

	// Start is the input position of the first item.
	Start int

	// Items is the chunk itself; it aliases the input slice.
	Items []T
}

// End returns the input position one past the last item.
func (b Batch[T]) End() int {
	return b.Start + len(b.Items)
}

// BatchFunc processes one batch. A returned error fails the whole batch.
//
//nolint:revive // BatchFunc is the canonical name for this exported type.
type BatchFunc[T any] func(ctx context.Context, b Batch[T]) error

// ProgressCallback is invoked after every batch, in batch order.
type ProgressCallback func(snapshot ProgressSnapshot)

// BatchError identifies the batch that stopped processing.
//
//nolint:revive // BatchError is the canonical name for this exported type.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d failed: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Summary describes a finished Process call.
type Summary struct {
	// Batches is the number of batches attempted.
	Batches int

	// Succeeded and Failed count attempted batches by outcome.
	Succeeded int
	Failed    int

	// Errors holds one entry per failed batch, each a *BatchError.
	Errors []error

	// Stopped is true when processing ended before the last batch, either
	// on a failure under the stop policy or on cancellation.
	Stopped bool
}

// Processor drives batches sequentially.
type Processor[T any] struct {
	// batchSize is the number of items per batch.
	batchSize int

	// continueOnError keeps going after a failed batch.
	continueOnError bool

	// onProgress is an optional callback for progress updates.
	onProgress ProgressCallback

	// shouldStop is polled before each batch.
	shouldStop func() bool
}

// NewProcessor creates a new batch processor with the given batch size.
func NewProcessor[T any](batchSize int) (*Processor[T], error) {
	if batchSize < MinBatchSize || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}
	return &Processor[T]{batchSize: batchSize}, nil
}

// NewProcessorWithDefaults creates a processor with default batch size.
func NewProcessorWithDefaults[T any]() *Processor[T] {
	return &Processor[T]{batchSize: DefaultBatchSize}
}

// WithContinueOnError selects whether a failed batch stops processing.
func (p *Processor[T]) WithContinueOnError(continueOnError bool) *Processor[T] {
	p.continueOnError = continueOnError
	return p
}

// WithProgressCallback sets a progress callback for the processor.
func (p *Processor[T]) WithProgressCallback(callback ProgressCallback) *Processor[T] {
	p.onProgress = callback
	return p
}

// WithStopCheck sets a predicate polled before each batch; when it returns
// true processing ends with ErrStopped.
func (p *Processor[T]) WithStopCheck(shouldStop func() bool) *Processor[T] {
	p.shouldStop = shouldStop
	return p
}

// BatchSize returns the configured batch size.
func (p *Processor[T]) BatchSize() int {
	return p.batchSize
}

// Split partitions items into batches without copying them.
func (p *Processor[T]) Split(items []T) []Batch[T] {
	batches := make([]Batch[T], 0, p.TotalBatches(len(items)))
	for start := 0; start < len(items); start += p.batchSize {
		end := min(start+p.batchSize, len(items))
		batches = append(batches, Batch[T]{Index: len(batches), Start: start, Items: items[start:end]})
	}
	return batches
}

// TotalBatches returns the number of batches needed for n items.
func (p *Processor[T]) TotalBatches(n int) int {
	return (n + p.batchSize - 1) / p.batchSize
}

// Process runs fn over each batch in order. Cancellation is checked before
// each batch; a running batch is never interrupted by the processor. On
// cancellation the context error is returned alongside the summary so far.
// Under the stop policy the first failure ends processing and is returned
// as a *BatchError; under the continue policy failures are collected in the
// summary and Process returns nil.
func (p *Processor[T]) Process(ctx context.Context, items []T, fn BatchFunc[T]) (Summary, error) {
	var summary Summary
	if fn == nil {
		return summary, ErrNilCallback
	}

	batches := p.Split(items)
	progress := NewProgress(len(items), len(batches), p.batchSize)

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			summary.Stopped = true
			return summary, err
		}
		if p.shouldStop != nil && p.shouldStop() {
			summary.Stopped = true
			return summary, ErrStopped
		}

		started := time.Now()
		err := fn(ctx, b)
		summary.Batches++
		progress.AddBatch(len(b.Items), err == nil, time.Since(started))

		if err != nil {
			batchErr := &BatchError{Index: b.Index, Err: err}
			summary.Failed++
			summary.Errors = append(summary.Errors, batchErr)
			if p.onProgress != nil {
				p.onProgress(progress.Snapshot())
			}
			if !p.continueOnError {
				summary.Stopped = i < len(batches)-1
				return summary, batchErr
			}
			continue
		}

		summary.Succeeded++
		if p.onProgress != nil {
			p.onProgress(progress.Snapshot())
		}
	}
	return summary, nil
}

// MapConcurrent applies fn to every item with at most workers calls in
// flight and returns the results in input order. The first error cancels
// the remaining calls.
func MapConcurrent[T, R any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, i int, item T) (R, error)) ([]R, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	if workers < 1 {
		workers = 1
	}

	out := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := fn(gctx, i, item)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
