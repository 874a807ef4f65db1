package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/events"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

type memoryPersister struct {
	mu   sync.Mutex
	rows map[string]store.OperationRecord
	fail bool
}

func (m *memoryPersister) SaveOperation(_ context.Context, rec store.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	if m.rows == nil {
		m.rows = map[string]store.OperationRecord{}
	}
	m.rows[rec.ID] = rec
	return nil
}

func (m *memoryPersister) get(id string) (store.OperationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	return rec, ok
}

func descriptor(id string) ops.Descriptor {
	d := ops.NewDescriptor(ops.KindInsert, ops.Config{})
	d.ID = id
	return d
}

func TestRegistry_CreateRejectsActiveDuplicate(t *testing.T) {
	t.Parallel()
	r := New()

	h, err := r.Create(descriptor("op_a"))
	require.NoError(t, err)

	_, err = r.Create(descriptor("op_a"))
	assert.ErrorIs(t, err, ops.ErrOperationActive)

	h.Finish(context.Background(), &ops.Result{OperationID: "op_a", Status: ops.StatusCompleted})
	_, err = r.Create(descriptor("op_a"))
	assert.NoError(t, err, "terminal records may be replaced")
}

func TestRegistry_Claim(t *testing.T) {
	t.Parallel()
	r := New()

	created, err := r.Create(descriptor("op_b"))
	require.NoError(t, err)

	claimed, err := r.Claim(descriptor("op_b"))
	require.NoError(t, err)
	assert.Equal(t, created.ID(), claimed.ID())

	_, err = r.Claim(descriptor("op_b"))
	assert.ErrorIs(t, err, ops.ErrOperationActive, "a record has one worker")

	fresh, err := r.Claim(descriptor("op_c"))
	require.NoError(t, err)
	assert.Equal(t, "op_c", fresh.ID())
}

func TestHandle_UpdateAndEvents(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(10)
	defer unsub()
	persister := &memoryPersister{}
	r := New(WithBus(bus), WithPersister(persister))

	h, err := r.Create(descriptor("op_d"))
	require.NoError(t, err)
	h.Start(context.Background(), 4)

	rec, ok := persister.get("op_d")
	require.True(t, ok)
	assert.Equal(t, string(ops.StatusRunning), rec.Status)

	h.RecordBatch(5*time.Millisecond, func(p *ops.Progress) {
		p.ProcessedItems += 2
		p.SuccessfulItems += 2
		p.CurrentBatch = 1
		p.TotalBatches = 2
	})

	ev := <-ch
	assert.Equal(t, events.TypeProgress, ev.Type)
	require.NotNil(t, ev.Delta)
	assert.Equal(t, 2, ev.Delta.Processed)
	assert.Equal(t, 5*time.Millisecond, ev.Delta.BatchDuration)

	snap, ok := r.Get("op_d")
	require.True(t, ok)
	assert.Equal(t, 2, snap.SuccessfulItems)
	assert.Equal(t, ops.StatusRunning, snap.Status)

	snap.SuccessfulItems = 99
	again, _ := r.Get("op_d")
	assert.Equal(t, 2, again.SuccessfulItems, "snapshots are copies")

	h.Finish(context.Background(), &ops.Result{
		OperationID: "op_d", Kind: ops.KindInsert, Status: ops.StatusCompleted,
		TotalItems: 4, ProcessedItems: 4, SuccessfulItems: 4,
	})
	ev = <-ch
	assert.Equal(t, events.TypeCompletion, ev.Type)

	rec, _ = persister.get("op_d")
	assert.Equal(t, string(ops.StatusCompleted), rec.Status)
	assert.Contains(t, string(rec.Result), `"successful_items":4`)

	res, err := r.Wait(context.Background(), "op_d")
	require.NoError(t, err)
	assert.Equal(t, 4, res.SuccessfulItems)
}

func TestRegistry_Cancel(t *testing.T) {
	t.Parallel()
	r := New()
	h, err := r.Create(descriptor("op_e"))
	require.NoError(t, err)

	assert.False(t, r.Cancel("missing"))
	assert.True(t, r.Cancel("op_e"))
	assert.True(t, h.CancelRequested())

	h.Finish(context.Background(), &ops.Result{OperationID: "op_e", Status: ops.StatusCancelled})
	assert.False(t, r.Cancel("op_e"), "finished operations cannot be cancelled")
}

func TestRegistry_WaitHonorsContext(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.Create(descriptor("op_f"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Wait(ctx, "op_f")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ops.ErrNotFound)
}

func TestRegistry_ListAndPrune(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	persister := &memoryPersister{}
	r := New(WithClock(clock), WithPersister(persister))

	var handles []*Handle
	for _, id := range []string{"op_1", "op_2", "op_3"} {
		h, err := r.Create(descriptor(id))
		require.NoError(t, err)
		handles = append(handles, h)
		now = now.Add(time.Minute)
	}
	handles[0].Finish(context.Background(), &ops.Result{OperationID: "op_1", Status: ops.StatusCompleted})
	handles[1].Finish(context.Background(), &ops.Result{OperationID: "op_2", Status: ops.StatusFailed})

	all := r.List("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "op_3", all[0].OperationID, "newest first")

	failed := r.List(ops.StatusFailed, 0)
	require.Len(t, failed, 1)
	assert.Equal(t, "op_2", failed[0].OperationID)
	assert.Len(t, r.List("", 2), 2)
	assert.Equal(t, 1, r.Active())

	persister.mu.Lock()
	persister.fail = true
	persister.mu.Unlock()
	// op_1 and op_2 were persisted on finish, so they can go.
	assert.Equal(t, 2, r.Prune(context.Background(), now.Add(time.Hour)))
	_, ok := r.Get("op_1")
	assert.False(t, ok)
	_, ok = r.Get("op_3")
	assert.True(t, ok, "active records are never pruned")
}

func TestRegistry_PruneKeepsUnpersisted(t *testing.T) {
	t.Parallel()
	persister := &memoryPersister{fail: true}
	r := New(WithPersister(persister))
	h, err := r.Create(descriptor("op_x"))
	require.NoError(t, err)
	h.Finish(context.Background(), &ops.Result{OperationID: "op_x", Status: ops.StatusFailed})

	future := time.Now().Add(time.Hour)
	assert.Zero(t, r.Prune(context.Background(), future))

	persister.mu.Lock()
	persister.fail = false
	persister.mu.Unlock()
	assert.Equal(t, 1, r.Prune(context.Background(), future))
	_, ok := persister.get("op_x")
	assert.True(t, ok)
}
