// Package events carries progress and completion notifications from running
// operations to observers such as the metrics collector or a CLI progress
// line.
//
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// Type distinguishes event payloads.
type Type string

// Event types.
const (
	TypeProgress   Type = "progress"
	TypeCompletion Type = "completion"
	TypeMigration  Type = "migration"
)

// DefaultBuffer is the subscriber channel capacity used when none is given.
const DefaultBuffer = 256

// ProgressDelta is what one committed batch changed.
type ProgressDelta struct {
	Processed     int           `json:"processed"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	CurrentBatch  int           `json:"current_batch"`
	TotalBatches  int           `json:"total_batches"`
	BatchDuration time.Duration `json:"batch_duration,omitempty"`
}

// IsZero reports whether the delta carries no counts.
func (d ProgressDelta) IsZero() bool {
	return d.Processed == 0 && d.Successful == 0 && d.Failed == 0 && d.Skipped == 0
}

// MigrationOutcome summarizes a finished migration attempt.
type MigrationOutcome struct {
	MigrationID   string        `json:"migration_id"`
	Status        string        `json:"status"`
	AffectedItems int           `json:"affected_items"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// Event is a single notification. Exactly one of Delta, Result or Migration
// is set, matching Type.
type Event struct {
	Type        Type              `json:"type"`
	OperationID string            `json:"operation_id,omitempty"`
	Kind        ops.Kind          `json:"kind,omitempty"`
	Status      ops.Status        `json:"status,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Delta       *ProgressDelta    `json:"delta,omitempty"`
	Result      *ops.Result       `json:"result,omitempty"`
	Migration   *MigrationOutcome `json:"migration,omitempty"`
}

// Progress builds a progress event.
func Progress(operationID string, kind ops.Kind, status ops.Status, delta ProgressDelta) Event {
	return Event{
		Type:        TypeProgress,
		OperationID: operationID,
		Kind:        kind,
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Delta:       &delta,
	}
}

// Completion builds a completion event carrying the final result.
func Completion(result *ops.Result) Event {
	return Event{
		Type:        TypeCompletion,
		OperationID: result.OperationID,
		Kind:        result.Kind,
		Status:      result.Status,
		Timestamp:   time.Now().UTC(),
		Result:      result,
	}
}

// Migration builds a migration outcome event.
func Migration(outcome MigrationOutcome) Event {
	return Event{
		Type:      TypeMigration,
		Kind:      ops.KindMigrate,
		Timestamp: time.Now().UTC(),
		Migration: &outcome,
	}
}

// Bus fans events out to subscribers. The zero value is not usable; call
// NewBus. A nil *Bus discards everything, so components can publish
// unconditionally.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given channel capacity and
// returns its channel and an unsubscribe function. The channel is closed on
// unsubscribe or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
