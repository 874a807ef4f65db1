package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/ops"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Progress("op_1", ops.KindInsert, ops.StatusRunning, ProgressDelta{Processed: 2, Successful: 2}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, TypeProgress, ev.Type)
		assert.Equal(t, "op_1", ev.OperationID)
		require.NotNil(t, ev.Delta)
		assert.Equal(t, 2, ev.Delta.Successful)
		assert.False(t, ev.Timestamp.IsZero())
	}

	unsub1()
	unsub1()
	_, open := <-ch1
	assert.False(t, open, "unsubscribe closes the channel")
	assert.Equal(t, 1, b.Subscribers())
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for range 3 {
		b.Publish(Completion(&ops.Result{OperationID: "op_2", Status: ops.StatusCompleted}))
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestBus_Close(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, _ := b.Subscribe(1)
	b.Close()
	b.Close()

	_, open := <-ch
	assert.False(t, open)
	b.Publish(Migration(MigrationOutcome{MigrationID: "001", Status: "completed"}))

	late, _ := b.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")
}

func TestBus_NilIsNoop(t *testing.T) {
	t.Parallel()
	var b *Bus
	assert.NotPanics(t, func() {
		b.Publish(Event{Type: TypeProgress})
		b.Close()
	})
	assert.Zero(t, b.Dropped())
}

func TestBus_ConcurrentPublish(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, unsub := b.Subscribe(1000)
	defer unsub()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				b.Publish(Progress("op", ops.KindInsert, ops.StatusRunning, ProgressDelta{CurrentBatch: i}))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 100)
	assert.Zero(t, b.Dropped())
}
