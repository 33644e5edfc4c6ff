// ABOUTME: Worker lifecycle manager covering registration, heartbeats, and status transitions.
// ABOUTME: Enforces the worker state machine and atomic connection-code consumption.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/events"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/store"
)

var (
	// ErrInvalidCode means the connection code is unknown, expired, or
	// has no uses left. Callers get one error for all three so probing
	// cannot distinguish them.
	ErrInvalidCode = errors.New("invalid connection code")

	// ErrInvalidTransition means the requested status change is not an
	// edge of the worker state machine.
	ErrInvalidTransition = errors.New("invalid worker status transition")
)

// allowedTransitions is the worker state machine. Forced offline
// bypasses it; everything else goes through here.
var allowedTransitions = map[store.WorkerStatus]map[store.WorkerStatus]bool{
	store.WorkerOffline: {store.WorkerOnline: true},
	store.WorkerOnline:  {store.WorkerBusy: true, store.WorkerOffline: true, store.WorkerError: true},
	store.WorkerBusy:    {store.WorkerOnline: true, store.WorkerOffline: true, store.WorkerError: true},
	store.WorkerError:   {store.WorkerOffline: true},
}

// Recoverer re-queues a lost worker's in-flight task. The scheduler
// implements it; it is bound after construction to break the
// dependency cycle between the two.
type Recoverer interface {
	OnWorkerLost(ctx context.Context, workerID string) error
}

// Manager owns worker identity and state. It is the only component
// that writes worker status rows.
type Manager struct {
	store       store.Store
	issuer      *auth.TokenIssuer
	broadcaster *events.Broadcaster
	sessionTTL  time.Duration
	hintLimit   int
	logger      *slog.Logger

	mu        sync.RWMutex
	recoverer Recoverer
}

// New creates a lifecycle manager. hintLimit caps the pending-task
// hints returned on heartbeat.
func New(st store.Store, issuer *auth.TokenIssuer, broadcaster *events.Broadcaster,
	sessionTTL time.Duration, hintLimit int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if hintLimit <= 0 {
		hintLimit = 10
	}
	return &Manager{
		store:       st,
		issuer:      issuer,
		broadcaster: broadcaster,
		sessionTTL:  sessionTTL,
		hintLimit:   hintLimit,
		logger:      logger.With("component", "lifecycle"),
	}
}

// BindRecoverer wires the scheduler in after both sides exist.
func (m *Manager) BindRecoverer(r Recoverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverer = r
}

// Register enrolls a new worker. The connection code is consumed with a
// single conditional update so concurrent registrations against the
// same code cannot overshoot its use limit.
func (m *Manager) Register(ctx context.Context, code, name, deviceInfo string,
	capabilities []string) (*store.Worker, string, error) {

	consumed, err := m.store.ConsumeConnectionCode(ctx, code, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCodeExhausted) {
			return nil, "", ErrInvalidCode
		}
		return nil, "", fmt.Errorf("consuming connection code: %w", err)
	}

	now := time.Now().UTC()
	worker := &store.Worker{
		ID:            uuid.New().String(),
		TenantID:      consumed.TenantID,
		Name:          name,
		DeviceInfo:    deviceInfo,
		Capabilities:  capabilities,
		Status:        store.WorkerOnline,
		LastSeen:      now,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := m.store.CreateWorker(ctx, worker); err != nil {
		return nil, "", fmt.Errorf("creating worker: %w", err)
	}

	token, err := m.issuer.Issue(worker.ID, worker.TenantID, m.sessionTTL)
	if err != nil {
		return nil, "", fmt.Errorf("issuing session token: %w", err)
	}

	m.logger.Info("worker registered",
		"worker_id", worker.ID,
		"tenant_id", worker.TenantID,
		"name", name,
		"capabilities", capabilities)
	m.publish(events.New(worker.TenantID, events.KindWorkerRegistered).
		WithWorker(worker.ID).WithStatus(string(store.WorkerOnline)))

	return worker, token, nil
}

// Reconnect restores a session-token holder's connection. The worker
// must exist and belong to the token's tenant.
func (m *Manager) Reconnect(ctx context.Context, workerID, tenantID string) (*store.Worker, error) {
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.TenantID != tenantID {
		return nil, store.ErrNotFound
	}

	if worker.Status == store.WorkerOffline || worker.Status == store.WorkerError {
		if err := m.store.UpdateWorkerStatus(ctx, workerID, store.WorkerOnline, nil); err != nil {
			return nil, fmt.Errorf("restoring worker status: %w", err)
		}
		worker.Status = store.WorkerOnline
		worker.CurrentTaskID = nil
	}

	m.logger.Info("worker reconnected", "worker_id", workerID, "tenant_id", tenantID)
	m.publish(events.New(tenantID, events.KindWorkerStatus).
		WithWorker(workerID).WithStatus(string(worker.Status)))
	return worker, nil
}

// Heartbeat records liveness and returns hints about the tenant's
// queued tasks so idle workers learn about work between ticks.
func (m *Manager) Heartbeat(ctx context.Context, workerID string) ([]protocol.TaskHint, error) {
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	if err := m.store.TouchWorkerHeartbeat(ctx, workerID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}

	pending, err := m.store.ListQueuedTasks(ctx, worker.TenantID, m.hintLimit)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}

	hints := make([]protocol.TaskHint, 0, len(pending))
	for _, task := range pending {
		hints = append(hints, protocol.TaskHint{
			TaskID:      task.ID,
			Description: task.Description,
			Priority:    string(task.Priority),
		})
	}
	return hints, nil
}

// SetStatus applies a status change, validating it against the state
// machine. currentTaskID is stored alongside busy, cleared otherwise.
func (m *Manager) SetStatus(ctx context.Context, workerID string,
	status store.WorkerStatus, currentTaskID *string) error {

	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}

	if worker.Status == status {
		// Repeated announcements of the current state are harmless.
		return nil
	}
	if !allowedTransitions[worker.Status][status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, worker.Status, status)
	}

	if status != store.WorkerBusy {
		currentTaskID = nil
	}
	if err := m.store.UpdateWorkerStatus(ctx, workerID, status, currentTaskID); err != nil {
		return fmt.Errorf("updating worker status: %w", err)
	}

	m.logger.Info("worker status changed",
		"worker_id", workerID, "from", worker.Status, "to", status)
	m.publish(events.New(worker.TenantID, events.KindWorkerStatus).
		WithWorker(workerID).WithStatus(string(status)))
	return nil
}

// ForceOffline marks a worker offline from any state. The liveness
// monitor and disconnect paths use it; the in-flight task, if any, is
// handed to the recoverer first.
func (m *Manager) ForceOffline(ctx context.Context, workerID, reason string) error {
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.Status == store.WorkerOffline {
		return nil
	}

	m.mu.RLock()
	recoverer := m.recoverer
	m.mu.RUnlock()
	if recoverer != nil {
		if err := recoverer.OnWorkerLost(ctx, workerID); err != nil {
			m.logger.Error("recovering in-flight task failed",
				"worker_id", workerID, "error", err)
		}
	}

	if err := m.store.UpdateWorkerStatus(ctx, workerID, store.WorkerOffline, nil); err != nil {
		return fmt.Errorf("forcing worker offline: %w", err)
	}

	m.logger.Info("worker offline", "worker_id", workerID, "reason", reason)
	m.publish(events.New(worker.TenantID, events.KindWorkerOffline).
		WithWorker(workerID).WithStatus(string(store.WorkerOffline)).WithMessage(reason))
	return nil
}

// Deregister handles an explicit worker disconnect.
func (m *Manager) Deregister(ctx context.Context, workerID string) error {
	return m.ForceOffline(ctx, workerID, "worker disconnected")
}

func (m *Manager) publish(event *events.Event) {
	if m.broadcaster != nil {
		m.broadcaster.Publish(event)
	}
}
