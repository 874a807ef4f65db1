package batch

import (
	"sync"
	"time"
)

// percentMultiplier is used to convert a ratio to percentage (0-100).
const percentMultiplier = 100

// Progress tracks batch throughput. It is safe for concurrent use.
type Progress struct {
	// TotalItems is the total number of items to process.
	TotalItems int

	// ProcessedItems counts items in attempted batches.
	ProcessedItems int

	// FailedItems counts items in failed batches.
	FailedItems int

	// TotalBatches is the total number of batches.
	TotalBatches int

	// ProcessedBatches is the number of batches attempted so far.
	ProcessedBatches int

	// BatchSize is the configured batch size.
	BatchSize int

	// BatchTime is the summed wall time of attempted batches.
	BatchTime time.Duration

	// StartTime is when processing started.
	StartTime time.Time

	// LastUpdateTime is when progress was last updated.
	LastUpdateTime time.Time

	// mu protects concurrent access to progress fields.
	mu sync.RWMutex
}

// NewProgress creates a new progress tracker.
func NewProgress(totalItems, totalBatches, batchSize int) *Progress {
	now := time.Now()
	return &Progress{
		TotalItems:     totalItems,
		TotalBatches:   totalBatches,
		BatchSize:      batchSize,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// AddBatch records one attempted batch.
func (p *Progress) AddBatch(items int, succeeded bool, took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ProcessedItems += items
	if !succeeded {
		p.FailedItems += items
	}
	p.ProcessedBatches++
	p.BatchTime += took
	p.LastUpdateTime = time.Now()
}

// PercentComplete returns the completion percentage (0-100).
func (p *Progress) PercentComplete() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.percentCompleteUnsafe()
}

// ItemsPerSecond returns the processing rate in items per second.
func (p *Progress) ItemsPerSecond() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.itemsPerSecondUnsafe()
}

// AverageBatchTime returns the mean wall time of attempted batches.
func (p *Progress) AverageBatchTime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.averageBatchTimeUnsafe()
}

// EstimatedTimeRemaining extrapolates the remaining time from the rate so far.
// Returns 0 if no items have been processed yet.
func (p *Progress) EstimatedTimeRemaining() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.ProcessedItems == 0 {
		return 0
	}
	elapsed := time.Since(p.StartTime)
	perItem := elapsed / time.Duration(p.ProcessedItems)
	return perItem * time.Duration(max(p.TotalItems-p.ProcessedItems, 0))
}

// Snapshot returns a thread-safe copy of the current progress state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ProgressSnapshot{
		TotalItems:       p.TotalItems,
		ProcessedItems:   p.ProcessedItems,
		FailedItems:      p.FailedItems,
		TotalBatches:     p.TotalBatches,
		ProcessedBatches: p.ProcessedBatches,
		BatchSize:        p.BatchSize,
		StartTime:        p.StartTime,
		LastUpdateTime:   p.LastUpdateTime,
		PercentComplete:  p.percentCompleteUnsafe(),
		ElapsedTime:      time.Since(p.StartTime),
		ItemsPerSecond:   p.itemsPerSecondUnsafe(),
		AverageBatchTime: p.averageBatchTimeUnsafe(),
	}
}

// ProgressSnapshot is an immutable snapshot of progress state.
type ProgressSnapshot struct {
	TotalItems       int
	ProcessedItems   int
	FailedItems      int
	TotalBatches     int
	ProcessedBatches int
	BatchSize        int
	StartTime        time.Time
	LastUpdateTime   time.Time
	PercentComplete  float64
	ElapsedTime      time.Duration
	ItemsPerSecond   float64
	AverageBatchTime time.Duration
}

// percentCompleteUnsafe calculates percent complete without locking.
// Should only be called when already holding the lock.
func (p *Progress) percentCompleteUnsafe() float64 {
	if p.TotalItems == 0 {
		return 0
	}
	return (float64(p.ProcessedItems) / float64(p.TotalItems)) * percentMultiplier
}

// itemsPerSecondUnsafe calculates items per second without locking.
// Should only be called when already holding the lock.
func (p *Progress) itemsPerSecondUnsafe() float64 {
	elapsed := time.Since(p.StartTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(p.ProcessedItems) / elapsed
}

func (p *Progress) averageBatchTimeUnsafe() time.Duration {
	if p.ProcessedBatches == 0 {
		return 0
	}
	return p.BatchTime / time.Duration(p.ProcessedBatches)
}
