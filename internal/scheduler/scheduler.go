// ABOUTME: Task scheduler matching queued tasks to eligible online workers.
// ABOUTME: Ticks per tenant with single-flight coalescing; assignment is a store-level claim.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/credentials"
	"github.com/2389/fleet-gateway/internal/events"
	"github.com/2389/fleet-gateway/internal/lifecycle"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/store"
)

var (
	// ErrInvalidPriority rejects task submissions with an unknown
	// priority label.
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrNotCancellable means the task has already started running or
	// reached a terminal status.
	ErrNotCancellable = errors.New("task cannot be cancelled")

	// ErrWrongWorker means a result arrived from a worker the task was
	// never assigned to.
	ErrWrongWorker = errors.New("task not assigned to this worker")
)

// AssignmentSender delivers frames to a connected worker. The router
// implements it; it is bound after construction to break the
// dependency cycle between the two.
type AssignmentSender interface {
	SendAssignment(ctx context.Context, workerID string, a *protocol.TaskAssignment) error
	SendCancel(ctx context.Context, workerID string, c *protocol.TaskCancel) error
}

// Scheduler owns task intake and dispatch. Queues are an in-memory
// view over the store's pending rows; the store's conditional claim is
// what actually hands a task to a worker, so a stale queue entry is
// harmless.
type Scheduler struct {
	store       store.Store
	lifecycle   *lifecycle.Manager
	registry    *registry.Registry
	broker      *credentials.Broker
	broadcaster *events.Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger

	seq uint64

	mu       sync.Mutex
	queues   map[string]*taskQueue
	tickLock map[string]*sync.Mutex

	senderMu sync.RWMutex
	sender   AssignmentSender

	kick chan string
}

// New creates a scheduler. Call Rebuild before Run so queued work
// survives a restart.
func New(st store.Store, lm *lifecycle.Manager, reg *registry.Registry,
	broker *credentials.Broker, broadcaster *events.Broadcaster,
	m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       st,
		lifecycle:   lm,
		registry:    reg,
		broker:      broker,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger.With("component", "scheduler"),
		queues:      make(map[string]*taskQueue),
		tickLock:    make(map[string]*sync.Mutex),
		kick:        make(chan string, 16),
	}
}

// BindSender wires the router in after both sides exist.
func (s *Scheduler) BindSender(sender AssignmentSender) {
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	s.sender = sender
}

func (s *Scheduler) getSender() AssignmentSender {
	s.senderMu.RLock()
	defer s.senderMu.RUnlock()
	return s.sender
}

// Rebuild reloads the queues from the store's pending rows. Rows come
// back in scheduling order, so assigning fresh sequence numbers
// preserves it.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	pending, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading pending tasks: %w", err)
	}

	for _, task := range pending {
		s.enqueue(task)
	}
	if len(pending) > 0 {
		s.logger.Info("rebuilt task queues", "pending", len(pending))
	}
	return nil
}

// Submit accepts a new task into the queue and nudges the tenant's
// dispatch loop.
func (s *Scheduler) Submit(ctx context.Context, tenantID, description string,
	requiredTags []string, priority store.TaskPriority, maxRetries int) (string, error) {

	if priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	task := &store.Task{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Description:  description,
		RequiredTags: requiredTags,
		Status:       store.TaskPending,
		Priority:     priority,
		MaxRetries:   maxRetries,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("creating task: %w", err)
	}

	s.enqueue(task)
	s.logger.Info("task submitted",
		"task_id", task.ID, "tenant_id", tenantID, "priority", priority)
	if s.metrics != nil {
		s.metrics.TaskSubmitted(string(priority))
	}
	s.publish(events.New(tenantID, events.KindTaskSubmitted).
		WithTask(task.ID).WithStatus(string(store.TaskPending)))

	s.Kick(tenantID)
	return task.ID, nil
}

// Kick requests an opportunistic tick for a tenant. Non-blocking; a
// full kick channel just means a tick is already coming.
func (s *Scheduler) Kick(tenantID string) {
	select {
	case s.kick <- tenantID:
	default:
	}
}

// Run drives periodic ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case tenantID := <-s.kick:
			s.tickTenant(ctx, tenantID)
		}
	}
}

// Tick attempts dispatch for every tenant with queued work.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	tenants := make([]string, 0, len(s.queues))
	for tenantID, q := range s.queues {
		if q.len() > 0 {
			tenants = append(tenants, tenantID)
		}
	}
	s.mu.Unlock()

	for _, tenantID := range tenants {
		s.tickTenant(ctx, tenantID)
	}
}

// tickTenant dispatches as much of one tenant's queue as its eligible
// workers can absorb. Re-entrant ticks are skipped, not queued; the
// periodic tick will catch anything a skipped pass missed.
func (s *Scheduler) tickTenant(ctx context.Context, tenantID string) {
	lock := s.tenantTickLock(tenantID)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	queue := s.tenantQueue(tenantID)
	if queue.len() == 0 {
		return
	}

	eligible, err := s.eligibleWorkers(ctx, tenantID)
	if err != nil {
		s.logger.Error("listing eligible workers failed",
			"tenant_id", tenantID, "error", err)
		return
	}
	if len(eligible) == 0 {
		return
	}

	var skipped []*queueEntry
	for len(eligible) > 0 {
		entry := queue.pop()
		if entry == nil {
			break
		}

		task, err := s.store.GetTask(ctx, entry.taskID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("loading queued task failed", "task_id", entry.taskID, "error", err)
			}
			continue
		}
		if task.Status != store.TaskPending {
			// Cancelled or claimed elsewhere while queued.
			continue
		}

		idx := matchWorker(eligible, task.RequiredTags)
		if idx < 0 {
			skipped = append(skipped, entry)
			continue
		}

		worker := eligible[idx]
		assigned, workerGone := s.assign(ctx, task, worker)
		if assigned || workerGone {
			// Busy either way as far as this tick is concerned: a
			// worker that failed delivery gets no further tasks until
			// it reconnects or the liveness sweep reaps it.
			eligible = append(eligible[:idx], eligible[idx+1:]...)
		}
	}

	// Tasks no current worker can serve go back at their original
	// position; they were skipped, not retried.
	for _, entry := range skipped {
		queue.push(entry.taskID, entry.rank, entry.seq)
	}
}

// eligibleWorkers returns the tenant's online workers with a live
// connection, in selection order: fewest completed tasks first, then
// least recently active.
func (s *Scheduler) eligibleWorkers(ctx context.Context, tenantID string) ([]*store.Worker, error) {
	online, err := s.store.ListWorkersByStatus(ctx, tenantID, store.WorkerOnline)
	if err != nil {
		return nil, err
	}

	live := online[:0]
	for _, worker := range online {
		if s.registry.IsOnline(worker.ID) {
			live = append(live, worker)
		}
	}
	return live, nil
}

// matchWorker returns the index of the first worker whose capabilities
// cover the task's required tags, or -1.
func matchWorker(workers []*store.Worker, requiredTags []string) int {
	for i, worker := range workers {
		if worker.HasCapabilities(requiredTags) {
			return i
		}
	}
	return -1
}

// assign claims the task for the worker and delivers the assignment.
// assigned means the worker is now busy with the task. workerGone means
// delivery failed and the worker must not be offered further work this
// tick. A lost claim race returns neither; the entry is simply dropped.
func (s *Scheduler) assign(ctx context.Context, task *store.Task,
	worker *store.Worker) (assigned, workerGone bool) {

	if err := s.store.ClaimTask(ctx, task.ID, worker.ID); err != nil {
		if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrTaskTerminal) {
			return false, false
		}
		s.logger.Error("claiming task failed",
			"task_id", task.ID, "worker_id", worker.ID, "error", err)
		return false, false
	}

	if err := s.lifecycle.SetStatus(ctx, worker.ID, store.WorkerBusy, &task.ID); err != nil {
		s.logger.Error("marking worker busy failed",
			"worker_id", worker.ID, "error", err)
	}

	creds := s.resolveCredentials(ctx, task.TenantID)
	assignment := &protocol.TaskAssignment{
		Type:        protocol.TypeTaskAssignment,
		TaskID:      task.ID,
		Description: task.Description,
		Priority:    string(task.Priority),
		Credentials: creds,
	}

	sender := s.getSender()
	if sender == nil {
		s.logger.Error("no assignment sender bound", "task_id", task.ID)
		s.releaseFailedAssignment(ctx, task, worker, "dispatch unavailable")
		return false, true
	}
	if err := sender.SendAssignment(ctx, worker.ID, assignment); err != nil {
		s.logger.Warn("assignment delivery failed",
			"task_id", task.ID, "worker_id", worker.ID, "error", err)
		s.releaseFailedAssignment(ctx, task, worker, "assignment delivery failed")
		return false, true
	}

	s.logger.Info("task assigned",
		"task_id", task.ID, "worker_id", worker.ID, "priority", task.Priority)
	if s.metrics != nil {
		s.metrics.TaskAssigned()
	}
	s.publish(events.New(task.TenantID, events.KindTaskAssigned).
		WithTask(task.ID).WithWorker(worker.ID).WithStatus(string(store.TaskAssigned)))
	return true, false
}

// releaseFailedAssignment recovers a claimed-but-undelivered task under
// the same retry rule as any other failure: requeue while budget
// remains, terminal failed once it is spent. The worker goes back to
// the pool either way.
func (s *Scheduler) releaseFailedAssignment(ctx context.Context, task *store.Task,
	worker *store.Worker, reason string) {

	if err := s.lifecycle.SetStatus(ctx, worker.ID, store.WorkerOnline, nil); err != nil {
		s.logger.Error("releasing worker failed", "worker_id", worker.ID, "error", err)
	}

	if task.RetryCount < task.MaxRetries {
		if err := s.store.RequeueTask(ctx, task.ID, reason); err != nil {
			s.logger.Error("requeueing undelivered task failed", "task_id", task.ID, "error", err)
			return
		}
		task.RetryCount++
		s.enqueue(task)

		s.logger.Info("task requeued",
			"task_id", task.ID, "attempt", task.RetryCount, "max_retries", task.MaxRetries,
			"reason", reason)
		if s.metrics != nil {
			s.metrics.TaskRequeued()
		}
		s.publish(events.New(task.TenantID, events.KindTaskRequeued).
			WithTask(task.ID).WithStatus(string(store.TaskPending)).WithMessage(reason))
		return
	}

	if err := s.store.FinishTask(ctx, task.ID, store.TaskFailed, "", reason); err != nil {
		s.logger.Error("failing undelivered task failed", "task_id", task.ID, "error", err)
		return
	}

	s.logger.Warn("task failed, undeliverable",
		"task_id", task.ID, "worker_id", worker.ID, "reason", reason)
	if s.metrics != nil {
		s.metrics.TaskFailed()
	}
	s.publish(events.New(task.TenantID, events.KindTaskFailed).
		WithTask(task.ID).WithWorker(worker.ID).WithStatus(string(store.TaskFailed)).
		WithMessage(reason))
}

// resolveCredentials fetches the tenant's credential set for an
// assignment. Broker failure degrades to no credentials rather than
// blocking dispatch.
func (s *Scheduler) resolveCredentials(ctx context.Context, tenantID string) map[string]string {
	if s.broker == nil {
		return nil
	}
	creds, err := s.broker.Resolve(ctx, tenantID, nil)
	if err != nil {
		s.logger.Warn("credential resolution failed, assigning without",
			"tenant_id", tenantID, "error", err)
		if s.metrics != nil {
			s.metrics.CredentialRequest("error")
		}
		return nil
	}
	return creds
}

// CompleteTask finalizes a task on a worker's result. Duplicate
// deliveries of a terminal task are no-ops. A failed task with retry
// budget left goes back to pending at the tail of its priority band.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID, workerID string,
	success bool, result, errMsg string) error {

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	if task.AssignedWorkerID == nil || *task.AssignedWorkerID != workerID {
		return fmt.Errorf("%w: task %s, worker %s", ErrWrongWorker, taskID, workerID)
	}

	if success {
		return s.finishSuccess(ctx, task, workerID, result)
	}
	return s.finishFailure(ctx, task, workerID, errMsg)
}

func (s *Scheduler) finishSuccess(ctx context.Context, task *store.Task,
	workerID, result string) error {

	if err := s.store.FinishTask(ctx, task.ID, store.TaskCompleted, result, ""); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			return nil
		}
		return fmt.Errorf("finishing task: %w", err)
	}

	duration := taskDuration(task)
	if err := s.store.RecordWorkerCompletion(ctx, workerID, duration); err != nil {
		s.logger.Error("recording worker completion failed",
			"worker_id", workerID, "error", err)
	}
	s.workerBackOnline(ctx, workerID)
	s.saveUsage(ctx, task, workerID, duration, true)

	s.logger.Info("task completed",
		"task_id", task.ID, "worker_id", workerID, "duration", duration)
	if s.metrics != nil {
		s.metrics.TaskCompleted()
		s.metrics.ObserveTaskDuration(duration.Seconds())
	}
	s.publish(events.New(task.TenantID, events.KindTaskCompleted).
		WithTask(task.ID).WithWorker(workerID).WithStatus(string(store.TaskCompleted)))

	s.Kick(task.TenantID)
	return nil
}

func (s *Scheduler) finishFailure(ctx context.Context, task *store.Task,
	workerID, errMsg string) error {

	if task.RetryCount < task.MaxRetries {
		if err := s.store.RequeueTask(ctx, task.ID, errMsg); err != nil {
			if errors.Is(err, store.ErrTaskTerminal) {
				return nil
			}
			return fmt.Errorf("requeueing task: %w", err)
		}

		task.RetryCount++
		s.enqueue(task)
		s.workerBackOnline(ctx, workerID)

		s.logger.Info("task requeued",
			"task_id", task.ID, "attempt", task.RetryCount, "max_retries", task.MaxRetries,
			"reason", errMsg)
		if s.metrics != nil {
			s.metrics.TaskRequeued()
		}
		s.publish(events.New(task.TenantID, events.KindTaskRequeued).
			WithTask(task.ID).WithStatus(string(store.TaskPending)).WithMessage(errMsg))

		s.Kick(task.TenantID)
		return nil
	}

	if err := s.store.FinishTask(ctx, task.ID, store.TaskFailed, "", errMsg); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			return nil
		}
		return fmt.Errorf("failing task: %w", err)
	}

	duration := taskDuration(task)
	s.workerBackOnline(ctx, workerID)
	s.saveUsage(ctx, task, workerID, duration, false)

	s.logger.Warn("task failed",
		"task_id", task.ID, "worker_id", workerID, "error", errMsg)
	if s.metrics != nil {
		s.metrics.TaskFailed()
	}
	s.publish(events.New(task.TenantID, events.KindTaskFailed).
		WithTask(task.ID).WithWorker(workerID).WithStatus(string(store.TaskFailed)).
		WithMessage(errMsg))

	s.Kick(task.TenantID)
	return nil
}

// Cancel stops a pending or assigned task. An assigned task's worker
// gets an abort notice and returns to the pool.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := s.store.CancelTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrTaskTerminal) {
			return fmt.Errorf("%w: status %s", ErrNotCancellable, task.Status)
		}
		return fmt.Errorf("cancelling task: %w", err)
	}

	s.tenantQueue(task.TenantID).remove(taskID)

	if task.Status == store.TaskAssigned && task.AssignedWorkerID != nil {
		workerID := *task.AssignedWorkerID
		if sender := s.getSender(); sender != nil {
			cancel := &protocol.TaskCancel{Type: protocol.TypeTaskCancel, TaskID: taskID}
			if err := sender.SendCancel(ctx, workerID, cancel); err != nil {
				s.logger.Warn("cancel delivery failed",
					"task_id", taskID, "worker_id", workerID, "error", err)
			}
		}
		s.workerBackOnline(ctx, workerID)
	}

	s.logger.Info("task cancelled", "task_id", taskID)
	if s.metrics != nil {
		s.metrics.TaskCancelled()
	}
	s.publish(events.New(task.TenantID, events.KindTaskCancelled).
		WithTask(taskID).WithStatus(string(store.TaskCancelled)))
	return nil
}

// OnWorkerLost recovers a disconnected worker's in-flight task. Same
// retry rule as a reported failure.
func (s *Scheduler) OnWorkerLost(ctx context.Context, workerID string) error {
	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.CurrentTaskID == nil {
		return nil
	}

	task, err := s.store.GetTask(ctx, *worker.CurrentTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	const reason = "worker disconnected"
	if task.RetryCount < task.MaxRetries {
		if err := s.store.RequeueTask(ctx, task.ID, reason); err != nil {
			if errors.Is(err, store.ErrTaskTerminal) {
				return nil
			}
			return fmt.Errorf("requeueing orphaned task: %w", err)
		}
		task.RetryCount++
		s.enqueue(task)

		s.logger.Info("orphaned task requeued", "task_id", task.ID, "worker_id", workerID)
		if s.metrics != nil {
			s.metrics.TaskRequeued()
		}
		s.publish(events.New(task.TenantID, events.KindTaskRequeued).
			WithTask(task.ID).WithStatus(string(store.TaskPending)).WithMessage(reason))

		s.Kick(task.TenantID)
		return nil
	}

	if err := s.store.FinishTask(ctx, task.ID, store.TaskFailed, "", reason); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			return nil
		}
		return fmt.Errorf("failing orphaned task: %w", err)
	}

	s.logger.Warn("orphaned task failed, retries exhausted",
		"task_id", task.ID, "worker_id", workerID)
	if s.metrics != nil {
		s.metrics.TaskFailed()
	}
	s.publish(events.New(task.TenantID, events.KindTaskFailed).
		WithTask(task.ID).WithWorker(workerID).WithStatus(string(store.TaskFailed)).
		WithMessage(reason))
	return nil
}

// QueueDepth reports the number of queued tasks for a tenant.
func (s *Scheduler) QueueDepth(tenantID string) int {
	return s.tenantQueue(tenantID).len()
}

func (s *Scheduler) workerBackOnline(ctx context.Context, workerID string) {
	if err := s.lifecycle.SetStatus(ctx, workerID, store.WorkerOnline, nil); err != nil {
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			s.logger.Error("returning worker to pool failed",
				"worker_id", workerID, "error", err)
		}
	}
}

func (s *Scheduler) saveUsage(ctx context.Context, task *store.Task,
	workerID string, duration time.Duration, success bool) {

	event := &store.UsageEvent{
		TenantID:   task.TenantID,
		WorkerID:   workerID,
		TaskID:     task.ID,
		DurationMS: duration.Milliseconds(),
		Success:    success,
	}
	if err := s.store.SaveUsageEvent(ctx, event); err != nil {
		s.logger.Error("saving usage event failed", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) enqueue(task *store.Task) {
	seq := atomic.AddUint64(&s.seq, 1)
	s.tenantQueue(task.TenantID).push(task.ID, task.Priority.Rank(), seq)
}

func (s *Scheduler) tenantQueue(tenantID string) *taskQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[tenantID]
	if !ok {
		q = newTaskQueue()
		s.queues[tenantID] = q
	}
	return q
}

func (s *Scheduler) tenantTickLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tickLock[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.tickLock[tenantID] = lock
	}
	return lock
}

func (s *Scheduler) publish(event *events.Event) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(event)
	}
}

// taskDuration measures assignment-to-now wall time, preferring the
// running timestamp when the worker reported one.
func taskDuration(task *store.Task) time.Duration {
	start := task.CreatedAt
	if task.AssignedAt != nil {
		start = *task.AssignedAt
	}
	if task.StartedAt != nil {
		start = *task.StartedAt
	}
	return time.Since(start)
}
