// ABOUTME: Event types for the tenant-scoped admin feed.
// ABOUTME: Lifecycle, task, and log events pushed to subscribed dashboards.

package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event on the admin feed.
type Kind string

const (
	KindWorkerRegistered Kind = "worker_registered"
	KindWorkerStatus     Kind = "worker_status"
	KindWorkerOffline    Kind = "worker_offline"
	KindWorkerLog        Kind = "worker_log"
	KindTaskSubmitted    Kind = "task_submitted"
	KindTaskAssigned     Kind = "task_assigned"
	KindTaskCompleted    Kind = "task_completed"
	KindTaskFailed       Kind = "task_failed"
	KindTaskRequeued     Kind = "task_requeued"
	KindTaskCancelled    Kind = "task_cancelled"
)

// Event is one entry on a tenant's feed. Fields not applicable to the
// kind are left empty.
type Event struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Kind     Kind      `json:"kind"`
	WorkerID string    `json:"worker_id,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Level    string    `json:"level,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// New builds an event with a fresh ID and timestamp.
func New(tenantID string, kind Kind) *Event {
	return &Event{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Kind:     kind,
		At:       time.Now().UTC(),
	}
}

// WithWorker attaches a worker reference.
func (e *Event) WithWorker(workerID string) *Event {
	e.WorkerID = workerID
	return e
}

// WithTask attaches a task reference.
func (e *Event) WithTask(taskID string) *Event {
	e.TaskID = taskID
	return e
}

// WithStatus attaches a status string.
func (e *Event) WithStatus(status string) *Event {
	e.Status = status
	return e
}

// WithMessage attaches a human-readable message.
func (e *Event) WithMessage(message string) *Event {
	e.Message = message
	return e
}

// WithLevel attaches a log level.
func (e *Event) WithLevel(level string) *Event {
	e.Level = level
	return e
}
