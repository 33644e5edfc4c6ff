// ABOUTME: Tests for the task scheduler's dispatch, retry, cancel, and recovery paths.
// ABOUTME: Uses the in-memory store with a recording assignment sender.

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/lifecycle"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/store"
)

// fakeSender records delivered frames.
type fakeSender struct {
	assignments []*protocol.TaskAssignment
	cancels     []*protocol.TaskCancel
	workers     []string
	failSend    bool
}

func (f *fakeSender) SendAssignment(_ context.Context, workerID string, a *protocol.TaskAssignment) error {
	if f.failSend {
		return context.DeadlineExceeded
	}
	f.assignments = append(f.assignments, a)
	f.workers = append(f.workers, workerID)
	return nil
}

func (f *fakeSender) SendCancel(_ context.Context, workerID string, c *protocol.TaskCancel) error {
	f.cancels = append(f.cancels, c)
	return nil
}

// nopSink satisfies registry.Sink for connections that never send.
type nopSink struct{}

func (nopSink) WriteFrame(context.Context, []byte) error { return nil }
func (nopSink) Close(string) error                       { return nil }

type fixture struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	registry  *registry.Registry
	scheduler *Scheduler
	sender    *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	issuer := auth.NewTokenIssuer([]byte("test-secret"))
	lm := lifecycle.New(st, issuer, nil, time.Hour, 5, nil)
	reg := registry.New(nil)
	sched := New(st, lm, reg, nil, nil, nil, nil)
	lm.BindRecoverer(sched)

	sender := &fakeSender{}
	sched.BindSender(sender)

	return &fixture{store: st, lifecycle: lm, registry: reg, scheduler: sched, sender: sender}
}

// addWorker creates an online worker with a live connection.
func (f *fixture) addWorker(t *testing.T, id string, capabilities []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateWorker(ctx, &store.Worker{
		ID:           id,
		TenantID:     "tenant-a",
		Name:         id,
		Capabilities: capabilities,
		Status:       store.WorkerOnline,
		LastSeen:     time.Now().UTC(),
	}))
	require.NoError(t, f.registry.Register(
		registry.NewConn(id, "tenant-a", id, capabilities, nopSink{})))
}

func TestScheduler_SubmitAndAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "check inbox", nil, store.PriorityNormal, 0)
	require.NoError(t, err)

	f.scheduler.Tick(ctx)

	require.Len(t, f.sender.assignments, 1)
	assert.Equal(t, taskID, f.sender.assignments[0].TaskID)
	assert.Equal(t, "w1", f.sender.workers[0])

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, task.Status)

	worker, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerBusy, worker.Status)
	assert.Equal(t, 0, f.scheduler.QueueDepth("tenant-a"))
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, err := f.scheduler.Submit(ctx, "tenant-a", "low", nil, store.PriorityLow, 0)
	require.NoError(t, err)
	urgent, err := f.scheduler.Submit(ctx, "tenant-a", "urgent", nil, store.PriorityUrgent, 0)
	require.NoError(t, err)
	normal, err := f.scheduler.Submit(ctx, "tenant-a", "normal", nil, store.PriorityNormal, 0)
	require.NoError(t, err)

	// One worker each tick: assignments arrive in priority order.
	for _, want := range []string{urgent, normal, low} {
		id := "w-" + want
		f.addWorker(t, id, nil)
		f.scheduler.Tick(ctx)
		require.NotEmpty(t, f.sender.assignments)
		assert.Equal(t, want, f.sender.assignments[len(f.sender.assignments)-1].TaskID)
	}
}

func TestScheduler_CapabilityMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "plain", nil)
	f.addWorker(t, "gpu", []string{"gpu", "browser"})

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "render", []string{"gpu"}, store.PriorityNormal, 0)
	require.NoError(t, err)

	f.scheduler.Tick(ctx)

	require.Len(t, f.sender.assignments, 1)
	assert.Equal(t, taskID, f.sender.assignments[0].TaskID)
	assert.Equal(t, "gpu", f.sender.workers[0])
}

func TestScheduler_NoEligibleWorkerKeepsTaskQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "plain", nil)

	_, err := f.scheduler.Submit(ctx, "tenant-a", "render", []string{"gpu"}, store.PriorityNormal, 0)
	require.NoError(t, err)

	f.scheduler.Tick(ctx)

	assert.Empty(t, f.sender.assignments)
	assert.Equal(t, 1, f.scheduler.QueueDepth("tenant-a"))
}

func TestScheduler_FailedDeliveryRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)
	f.sender.failSend = true

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 1)
	require.NoError(t, err)

	f.scheduler.Tick(ctx)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, 1, f.scheduler.QueueDepth("tenant-a"))

	worker, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerOnline, worker.Status)
}

func TestScheduler_UndeliverableTaskExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)
	f.sender.failSend = true

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 1)
	require.NoError(t, err)

	// First failed delivery burns the retry; the second is terminal.
	// Each tick must also terminate rather than spinning on the same
	// task while the worker keeps refusing delivery.
	f.scheduler.Tick(ctx)
	f.scheduler.Tick(ctx)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, 0, f.scheduler.QueueDepth("tenant-a"))

	worker, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerOnline, worker.Status)
}

func TestScheduler_SkippedTaskKeepsQueuePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "plain", nil)

	gpuTask, err := f.scheduler.Submit(ctx, "tenant-a", "render", []string{"gpu"}, store.PriorityNormal, 0)
	require.NoError(t, err)
	plainTask, err := f.scheduler.Submit(ctx, "tenant-a", "fetch", nil, store.PriorityNormal, 0)
	require.NoError(t, err)

	// No gpu worker yet: the gpu task is skipped, not retried, and must
	// keep its place in the band.
	f.scheduler.Tick(ctx)
	require.Len(t, f.sender.assignments, 1)
	assert.Equal(t, plainTask, f.sender.assignments[0].TaskID)
	assert.Equal(t, 1, f.scheduler.QueueDepth("tenant-a"))

	_, err = f.scheduler.Submit(ctx, "tenant-a", "later", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	f.addWorker(t, "gpu-1", []string{"gpu"})

	f.scheduler.Tick(ctx)
	require.Len(t, f.sender.assignments, 2)
	assert.Equal(t, gpuTask, f.sender.assignments[1].TaskID)
}

func TestScheduler_CompleteTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)

	require.NoError(t, f.scheduler.CompleteTask(ctx, taskID, "w1", true, "done", ""))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "done", task.Result)

	worker, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerOnline, worker.Status)
	assert.Equal(t, 1, worker.CompletedCount)

	usage, err := f.store.ListUsageEvents(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.True(t, usage[0].Success)

	// Duplicate delivery is a no-op.
	require.NoError(t, f.scheduler.CompleteTask(ctx, taskID, "w1", true, "done again", ""))
	task, err = f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "done", task.Result)
}

func TestScheduler_CompleteTaskWrongWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)

	err = f.scheduler.CompleteTask(ctx, taskID, "intruder", true, "x", "")
	assert.ErrorIs(t, err, ErrWrongWorker)
}

func TestScheduler_FailureRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 1)
	require.NoError(t, err)

	// First attempt fails: retry budget left, back to pending.
	f.scheduler.Tick(ctx)
	require.NoError(t, f.scheduler.CompleteTask(ctx, taskID, "w1", false, "", "page crashed"))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	// Second attempt fails: budget exhausted, terminal failure.
	f.scheduler.Tick(ctx)
	require.NoError(t, f.scheduler.CompleteTask(ctx, taskID, "w1", false, "", "page crashed"))

	task, err = f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, "page crashed", task.Error)
}

func TestScheduler_RetriedTaskJoinsBandTail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	first, err := f.scheduler.Submit(ctx, "tenant-a", "first", nil, store.PriorityNormal, 3)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)
	require.Equal(t, first, f.sender.assignments[0].TaskID)

	second, err := f.scheduler.Submit(ctx, "tenant-a", "second", nil, store.PriorityNormal, 0)
	require.NoError(t, err)

	// First fails while second waits; the retry goes behind it.
	require.NoError(t, f.scheduler.CompleteTask(ctx, first, "w1", false, "", "boom"))

	f.scheduler.Tick(ctx)
	assert.Equal(t, second, f.sender.assignments[1].TaskID)

	require.NoError(t, f.scheduler.CompleteTask(ctx, second, "w1", true, "", ""))
	f.scheduler.Tick(ctx)
	assert.Equal(t, first, f.sender.assignments[2].TaskID)
}

func TestScheduler_CancelPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 0)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Cancel(ctx, taskID))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, task.Status)
	assert.Equal(t, 0, f.scheduler.QueueDepth("tenant-a"))

	// Worker pool untouched; nothing was assigned.
	assert.Empty(t, f.sender.cancels)
}

func TestScheduler_CancelAssignedNotifiesWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)

	require.NoError(t, f.scheduler.Cancel(ctx, taskID))

	require.Len(t, f.sender.cancels, 1)
	assert.Equal(t, taskID, f.sender.cancels[0].TaskID)

	worker, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerOnline, worker.Status)
}

func TestScheduler_CancelTerminalRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)
	require.NoError(t, f.scheduler.CompleteTask(ctx, taskID, "w1", true, "", ""))

	err = f.scheduler.Cancel(ctx, taskID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestScheduler_OnWorkerLostRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil)

	taskID, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 2)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)

	require.NoError(t, f.scheduler.OnWorkerLost(ctx, "w1"))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, 1, f.scheduler.QueueDepth("tenant-a"))
}

func TestScheduler_OnWorkerLostIdleWorker(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w1", nil)

	require.NoError(t, f.scheduler.OnWorkerLost(context.Background(), "w1"))
}

func TestScheduler_RebuildRestoresQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateTask(ctx, &store.Task{
		ID: "t1", TenantID: "tenant-a", Description: "survived restart",
		Status: store.TaskPending, Priority: store.PriorityHigh,
	}))

	require.NoError(t, f.scheduler.Rebuild(ctx))
	assert.Equal(t, 1, f.scheduler.QueueDepth("tenant-a"))

	f.addWorker(t, "w1", nil)
	f.scheduler.Tick(ctx)
	require.Len(t, f.sender.assignments, 1)
	assert.Equal(t, "t1", f.sender.assignments[0].TaskID)
}

func TestScheduler_WorkerSelectionPrefersLeastLoaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "veteran", nil)
	f.addWorker(t, "fresh", nil)

	// Veteran has completions on record; fresh worker should win.
	require.NoError(t, f.store.RecordWorkerCompletion(ctx, "veteran", time.Second))

	_, err := f.scheduler.Submit(ctx, "tenant-a", "t", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)

	require.Len(t, f.sender.workers, 1)
	assert.Equal(t, "fresh", f.sender.workers[0])
}

func TestScheduler_InvalidPriorityRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.Submit(context.Background(), "tenant-a", "t", nil,
		store.TaskPriority("extreme"), 0)
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestScheduler_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorker(t, "w1", nil) // tenant-a

	_, err := f.scheduler.Submit(ctx, "tenant-b", "other tenant work", nil, store.PriorityUrgent, 0)
	require.NoError(t, err)

	f.scheduler.Tick(ctx)

	assert.Empty(t, f.sender.assignments, "tenant-a worker must not receive tenant-b tasks")
	assert.Equal(t, 1, f.scheduler.QueueDepth("tenant-b"))
}
