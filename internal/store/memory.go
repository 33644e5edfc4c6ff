// ABOUTME: In-memory implementation of the Store interface for tests.
// ABOUTME: Mirrors the SQLite store's conditional-update semantics under a mutex.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe, map-backed Store used by unit tests and
// for ephemeral gateway runs. Its conditional updates behave exactly like
// the SQLite implementation so scheduler races can be exercised without a
// database file.
type MemoryStore struct {
	mu          sync.Mutex
	workers     map[string]*Worker
	tasks       map[string]*Task
	codes       map[string]*ConnectionCode
	credentials map[string]map[string]*Credential // tenantID -> key -> credential
	usage       []*UsageEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:     make(map[string]*Worker),
		tasks:       make(map[string]*Task),
		codes:       make(map[string]*ConnectionCode),
		credentials: make(map[string]map[string]*Credential),
	}
}

// CreateWorker inserts a worker.
func (m *MemoryStore) CreateWorker(_ context.Context, w *Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Status == "" {
		w.Status = WorkerOffline
	}
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

// GetWorker returns a copy of the worker.
func (m *MemoryStore) GetWorker(_ context.Context, id string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkers returns all workers for a tenant ordered by creation time.
func (m *MemoryStore) ListWorkers(_ context.Context, tenantID string) ([]*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Worker
	for _, w := range m.workers {
		if w.TenantID == tenantID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListWorkersByStatus returns a tenant's workers in the given status in
// scheduling order: fewest completed tasks first, then most idle.
func (m *MemoryStore) ListWorkersByStatus(_ context.Context, tenantID string, status WorkerStatus) ([]*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Worker
	for _, w := range m.workers {
		if w.TenantID == tenantID && w.Status == status {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedCount != out[j].CompletedCount {
			return out[i].CompletedCount < out[j].CompletedCount
		}
		return out[i].LastSeen.Before(out[j].LastSeen)
	})
	return out, nil
}

// UpdateWorkerStatus sets a worker's status and current task reference.
func (m *MemoryStore) UpdateWorkerStatus(_ context.Context, id string, status WorkerStatus, currentTaskID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.CurrentTaskID = currentTaskID
	w.LastSeen = time.Now().UTC()
	return nil
}

// TouchWorkerHeartbeat updates the heartbeat timestamps.
func (m *MemoryStore) TouchWorkerHeartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.LastHeartbeat = at
	w.LastSeen = at
	return nil
}

// RecordWorkerCompletion folds a task duration into the worker's counters.
func (m *MemoryStore) RecordWorkerCompletion(_ context.Context, id string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	ms := duration.Milliseconds()
	w.AvgDurationMS = (w.AvgDurationMS*int64(w.CompletedCount) + ms) / int64(w.CompletedCount+1)
	w.CompletedCount++
	w.LastSeen = time.Now().UTC()
	return nil
}

// CreateTask inserts a task.
func (m *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

// GetTask returns a copy of the task.
func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTasks returns a tenant's tasks, optionally filtered by status,
// newest first.
func (m *MemoryStore) ListTasks(_ context.Context, tenantID string, status TaskStatus, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingTasks returns every pending task in creation order.
func (m *MemoryStore) ListPendingTasks(_ context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status == TaskPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListQueuedTasks returns a tenant's pending tasks in dispatch order:
// priority band first, oldest first within a band.
func (m *MemoryStore) ListQueuedTasks(_ context.Context, tenantID string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.TenantID != tenantID || t.Status != TaskPending {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimTask atomically flips a pending task to assigned.
func (m *MemoryStore) ClaimTask(_ context.Context, taskID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != TaskPending {
		return ErrClaimConflict
	}
	now := time.Now().UTC()
	t.Status = TaskAssigned
	t.AssignedWorkerID = &workerID
	t.AssignedAt = &now
	return nil
}

// MarkTaskRunning flips an assigned task to running.
func (m *MemoryStore) MarkTaskRunning(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != TaskAssigned {
		return m.taskMissLocked(t)
	}
	now := time.Now().UTC()
	t.Status = TaskRunning
	t.StartedAt = &now
	return nil
}

// FinishTask moves an in-flight task to a terminal status.
func (m *MemoryStore) FinishTask(_ context.Context, taskID string, status TaskStatus, result, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != TaskAssigned && t.Status != TaskRunning {
		return m.taskMissLocked(t)
	}
	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.FinishedAt = &now
	return nil
}

// RequeueTask returns an in-flight task to pending with retry_count+1.
func (m *MemoryStore) RequeueTask(_ context.Context, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != TaskAssigned && t.Status != TaskRunning {
		return m.taskMissLocked(t)
	}
	t.Status = TaskPending
	t.AssignedWorkerID = nil
	t.AssignedAt = nil
	t.StartedAt = nil
	t.Error = reason
	t.RetryCount++
	return nil
}

// CancelTask moves a pending or assigned task to cancelled.
func (m *MemoryStore) CancelTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != TaskPending && t.Status != TaskAssigned {
		return m.taskMissLocked(t)
	}
	now := time.Now().UTC()
	t.Status = TaskCancelled
	t.FinishedAt = &now
	return nil
}

// taskMissLocked mirrors the SQLite store's zero-row classification.
func (m *MemoryStore) taskMissLocked(t *Task) error {
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	return fmt.Errorf("%w: task %s is %s", ErrClaimConflict, t.ID, t.Status)
}

// CreateConnectionCode inserts a connection code.
func (m *MemoryStore) CreateConnectionCode(_ context.Context, c *ConnectionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.codes[c.Code]; exists {
		return fmt.Errorf("connection code %q already exists", c.Code)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	m.codes[c.Code] = &cp
	return nil
}

// GetConnectionCode retrieves a connection code.
func (m *MemoryStore) GetConnectionCode(_ context.Context, code string) (*ConnectionCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ConsumeConnectionCode atomically spends one use of a connection code.
func (m *MemoryStore) ConsumeConnectionCode(_ context.Context, code string, now time.Time) (*ConnectionCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if c.UsedCount >= c.MaxUses || !c.ExpiresAt.After(now) {
		return nil, ErrCodeExhausted
	}
	c.UsedCount++
	cp := *c
	return &cp, nil
}

// UpsertCredential creates or replaces a tenant credential value.
func (m *MemoryStore) UpsertCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	tenant, ok := m.credentials[c.TenantID]
	if !ok {
		tenant = make(map[string]*Credential)
		m.credentials[c.TenantID] = tenant
	}
	cp := *c
	tenant[c.Key] = &cp
	return nil
}

// GetCredential retrieves a single credential.
func (m *MemoryStore) GetCredential(_ context.Context, tenantID, key string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[tenantID][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCredentials returns a tenant's credentials ordered by key.
func (m *MemoryStore) ListCredentials(_ context.Context, tenantID string) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Credential
	for _, c := range m.credentials[tenantID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteCredential removes a tenant credential.
func (m *MemoryStore) DeleteCredential(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[tenantID][key]; !ok {
		return ErrNotFound
	}
	delete(m.credentials[tenantID], key)
	return nil
}

// SaveUsageEvent appends a usage event.
func (m *MemoryStore) SaveUsageEvent(_ context.Context, e *UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.usage = append(m.usage, &cp)
	return nil
}

// ListUsageEvents returns a tenant's usage events, newest first.
func (m *MemoryStore) ListUsageEvents(_ context.Context, tenantID string, limit int) ([]*UsageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*UsageEvent
	for _, e := range m.usage {
		if e.TenantID == tenantID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
