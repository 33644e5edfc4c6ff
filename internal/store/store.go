// ABOUTME: Store interface and data types for fleet-gateway persistence.
// ABOUTME: Defines Worker, Task, ConnectionCode structs and conditional-update contracts.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// newID generates a fresh identifier for rows created without one.
func newID() string {
	return uuid.New().String()
}

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrCodeExhausted is returned when a connection code is expired or has no
// remaining uses.
var ErrCodeExhausted = errors.New("connection code expired or exhausted")

// ErrClaimConflict is returned when a conditional task claim loses a race:
// the task is no longer pending by the time the claim lands.
var ErrClaimConflict = errors.New("task not pending")

// ErrTaskTerminal is returned when an update targets a task that is already
// in a terminal status. Callers treat it as an idempotent no-op signal.
var ErrTaskTerminal = errors.New("task already terminal")

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerOffline WorkerStatus = "offline"
	WorkerOnline  WorkerStatus = "online"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerOffline, WorkerOnline, WorkerBusy, WorkerError:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal tasks are
// immutable except for an explicit retry re-open.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskPriority orders tasks within a tenant queue.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Rank maps a priority to its sort rank; lower ranks are scheduled first.
// Unknown priorities sort with normal.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Worker is a registered automation agent belonging to a tenant.
type Worker struct {
	ID             string
	TenantID       string
	Name           string
	DeviceInfo     string
	Capabilities   []string
	Status         WorkerStatus
	LastSeen       time.Time
	LastHeartbeat  time.Time
	CurrentTaskID  *string
	CompletedCount int
	AvgDurationMS  int64
	CreatedAt      time.Time
}

// HasCapabilities reports whether the worker declares every tag in tags.
func (w *Worker) HasCapabilities(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// Task is a unit of automation work submitted for a tenant.
type Task struct {
	ID               string
	TenantID         string
	Description      string
	RequiredTags     []string
	Status           TaskStatus
	Priority         TaskPriority
	AssignedWorkerID *string
	Result           string
	Error            string
	RetryCount       int
	MaxRetries       int
	CreatedAt        time.Time
	AssignedAt       *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// ConnectionCode is a bounded-use, time-limited token authorizing worker
// registration into a tenant.
type ConnectionCode struct {
	Code      string
	TenantID  string
	MaxUses   int
	UsedCount int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Credential is a tenant-scoped key/value secret brokered to workers on
// demand. Values are never written to logs.
type Credential struct {
	ID        string
	TenantID  string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageEvent records one completed task execution for the external
// usage-tracking layer.
type UsageEvent struct {
	ID         string
	TenantID   string
	WorkerID   string
	TaskID     string
	DurationMS int64
	Success    bool
	CreatedAt  time.Time
}

// Store defines the persistence contract for workers, tasks, connection
// codes, credentials and usage events.
//
// The conditional-update methods (ConsumeConnectionCode, ClaimTask,
// FinishTask, RequeueTask, CancelTask) are the cross-replica safety
// primitives: each is a single compare-and-swap on status, never a
// read-then-write.
type Store interface {
	// Workers
	CreateWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	ListWorkers(ctx context.Context, tenantID string) ([]*Worker, error)
	ListWorkersByStatus(ctx context.Context, tenantID string, status WorkerStatus) ([]*Worker, error)
	UpdateWorkerStatus(ctx context.Context, id string, status WorkerStatus, currentTaskID *string) error
	TouchWorkerHeartbeat(ctx context.Context, id string, at time.Time) error
	RecordWorkerCompletion(ctx context.Context, id string, duration time.Duration) error

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, tenantID string, status TaskStatus, limit int) ([]*Task, error)
	ListPendingTasks(ctx context.Context) ([]*Task, error)
	ListQueuedTasks(ctx context.Context, tenantID string, limit int) ([]*Task, error)
	ClaimTask(ctx context.Context, taskID, workerID string) error
	MarkTaskRunning(ctx context.Context, taskID string) error
	FinishTask(ctx context.Context, taskID string, status TaskStatus, result, errMsg string) error
	RequeueTask(ctx context.Context, taskID, reason string) error
	CancelTask(ctx context.Context, taskID string) error

	// Connection codes
	CreateConnectionCode(ctx context.Context, c *ConnectionCode) error
	GetConnectionCode(ctx context.Context, code string) (*ConnectionCode, error)
	ConsumeConnectionCode(ctx context.Context, code string, now time.Time) (*ConnectionCode, error)

	// Credentials
	UpsertCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, tenantID, key string) (*Credential, error)
	ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error)
	DeleteCredential(ctx context.Context, tenantID, key string) error

	// Usage events
	SaveUsageEvent(ctx context.Context, e *UsageEvent) error
	ListUsageEvents(ctx context.Context, tenantID string, limit int) ([]*UsageEvent, error)

	// Close releases any resources held by the store.
	Close() error
}
