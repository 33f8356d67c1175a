package reminders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerFixture(t *testing.T, batchSize int) (*Worker, *courierFixture) {
	t.Helper()
	f := newCourierFixture(t)
	worker := NewWorker(WorkerConfig{
		BatchSize:    batchSize,
		PollInterval: time.Hour,
		StaleAfter:   30 * time.Minute,
	}, f.queue, f.courier)
	return worker, f
}

func seedEmployeeItems(f *courierFixture, courseID int64, n int) []*QueueItem {
	items := make([]*QueueItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, f.queue.add(&QueueItem{
			UserID:           int64(100 + i),
			CourseID:         courseID,
			Level:            1,
			RecipientType:    RecipientEmployee,
			RecipientAddress: fmt.Sprintf("user%d@example.com", i),
			RenderedSubject:  "subject",
			RenderedBody:     "body",
		}))
	}
	return items
}

func TestDrainQueue_ChainsThroughBacklog(t *testing.T) {
	worker, f := newWorkerFixture(t, 50)
	f.seedCourse(1, "Fire Safety")
	seedEmployeeItems(f, 1, 120)

	summary, err := worker.DrainQueue(context.Background(), Scope{})
	require.NoError(t, err)

	assert.Equal(t, 120, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, f.mailer.deliveries(), 120)

	// 50 + 50 + 20 + the empty fetch that ends the chain.
	assert.GreaterOrEqual(t, f.queue.fetches, 3)

	pending, err := f.queue.CountPending(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDrainQueue_TargetedScopeDoesNotChain(t *testing.T) {
	worker, f := newWorkerFixture(t, 2)
	f.seedCourse(1, "Fire Safety")
	items := seedEmployeeItems(f, 1, 10)

	scope := Scope{IDs: []int64{items[0].ID, items[1].ID, items[2].ID}}
	summary, err := worker.DrainQueue(context.Background(), scope)
	require.NoError(t, err)

	// Batch size 2 and no chaining: only the first batch is processed.
	assert.Equal(t, 2, summary.Sent)

	pending, err := f.queue.CountPending(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Equal(t, 8, pending)
}

func TestDrainQueue_RecipientTypeScopeChains(t *testing.T) {
	worker, f := newWorkerFixture(t, 3)
	f.seedCourse(1, "Fire Safety")
	seedEmployeeItems(f, 1, 7)

	f.queue.employees[10] = SiblingEmployee{UserID: 10, Email: "amy@example.com", FullName: "Amy Cole"}
	supervisorItem := f.queue.add(&QueueItem{
		UserID: 10, CourseID: 1, Level: 3,
		RecipientType:    RecipientSupervisor,
		RecipientAddress: "lead@example.com",
	})

	summary, err := worker.DrainQueue(context.Background(), Scope{RecipientType: RecipientEmployee})
	require.NoError(t, err)

	assert.Equal(t, 7, summary.Sent)

	stored, err := f.queue.Get(context.Background(), supervisorItem.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestDrainQueue_RecoversStuckItems(t *testing.T) {
	worker, f := newWorkerFixture(t, 50)
	f.seedCourse(1, "Fire Safety")

	now := time.Now()

	stuck := f.queue.add(&QueueItem{
		UserID: 1, CourseID: 1, Level: 1,
		RecipientType:    RecipientEmployee,
		RecipientAddress: "stuck@example.com",
		RenderedSubject:  "subject", RenderedBody: "body",
		Status:     StatusProcessing,
		CreatedAt:  now.Add(-time.Hour),
		ModifiedAt: now.Add(-31 * time.Minute),
	})
	fresh := f.queue.add(&QueueItem{
		UserID: 2, CourseID: 1, Level: 1,
		RecipientType:    RecipientEmployee,
		RecipientAddress: "fresh@example.com",
		RenderedSubject:  "subject", RenderedBody: "body",
		Status:     StatusProcessing,
		CreatedAt:  now.Add(-time.Hour),
		ModifiedAt: now.Add(-29 * time.Minute),
	})

	summary, err := worker.DrainQueue(context.Background(), Scope{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Recovered)
	assert.Equal(t, 1, summary.Sent)

	stuckStored, err := f.queue.Get(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, stuckStored.Status)

	// An item within the hold window is left alone.
	freshStored, err := f.queue.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, freshStored.Status)
}

func TestDrainQueue_MixedOutcomes(t *testing.T) {
	worker, f := newWorkerFixture(t, 50)
	f.seedCourse(1, "Fire Safety")

	f.queue.add(&QueueItem{
		UserID: 1, CourseID: 1, Level: 1,
		RecipientType:    RecipientEmployee,
		RecipientAddress: "ok@example.com",
		RenderedSubject:  "subject", RenderedBody: "body",
	})
	// An aggregate item with no employees behind it fails to assemble.
	f.queue.add(&QueueItem{
		UserID: 2, CourseID: 1, Level: 3,
		RecipientType:    RecipientSupervisor,
		RecipientAddress: "lead@example.com",
	})

	summary, err := worker.DrainQueue(context.Background(), Scope{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)
}

func TestQueueItemStale(t *testing.T) {
	now := time.Now()
	staleAfter := 30 * time.Minute

	item := &QueueItem{Status: StatusProcessing, ModifiedAt: now.Add(-31 * time.Minute)}
	assert.True(t, item.Stale(now, staleAfter))

	item.ModifiedAt = now.Add(-29 * time.Minute)
	assert.False(t, item.Stale(now, staleAfter))

	item.Status = StatusPending
	item.ModifiedAt = now.Add(-2 * time.Hour)
	assert.False(t, item.Stale(now, staleAfter))
}

func TestWorkerSubmitTriggersDrain(t *testing.T) {
	worker, f := newWorkerFixture(t, 50)
	f.seedCourse(1, "Fire Safety")
	seedEmployeeItems(f, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	worker.Submit(Scope{})

	require.Eventually(t, func() bool {
		pending, err := f.queue.CountPending(context.Background(), Scope{})
		return err == nil && pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	worker.Stop()
	assert.Len(t, f.mailer.deliveries(), 3)
}
