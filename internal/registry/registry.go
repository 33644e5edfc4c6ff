// ABOUTME: Tracks live worker connections keyed by worker identity.
// ABOUTME: Leaf component; the router and liveness monitor look connections up here.

package registry

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyConnected indicates a worker with the same ID already has a
// live connection.
var ErrAlreadyConnected = errors.New("worker already connected")

// ErrNotConnected indicates the worker has no live connection.
var ErrNotConnected = errors.New("worker not connected")

// Registry tracks all live worker connections for the process.
// It is purely process-local state; worker existence and status live in
// the store.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn            // workerID -> conn
	tenant map[string]map[string]*Conn // tenantID -> workerID -> conn
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		tenant: make(map[string]map[string]*Conn),
		logger: logger.With("component", "registry"),
	}
}

// Register admits a new worker connection.
// Returns ErrAlreadyConnected if the worker already has a live connection;
// the caller decides whether to close the old one and retry.
func (r *Registry) Register(conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.WorkerID]; exists {
		return ErrAlreadyConnected
	}

	r.conns[conn.WorkerID] = conn
	byTenant, ok := r.tenant[conn.TenantID]
	if !ok {
		byTenant = make(map[string]*Conn)
		r.tenant[conn.TenantID] = byTenant
	}
	byTenant[conn.WorkerID] = conn

	r.logger.Info("worker connected",
		"worker_id", conn.WorkerID,
		"tenant_id", conn.TenantID,
		"name", conn.Name,
		"capabilities", conn.Capabilities,
		"total_connections", len(r.conns),
	)
	return nil
}

// Unregister removes a worker's connection. The mapping is only removed
// if it still points at this exact connection, so a superseded socket's
// teardown cannot evict the replacement that took its slot. Reports
// whether the connection was removed.
func (r *Registry) Unregister(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.conns[conn.WorkerID]
	if !exists || current != conn {
		return false
	}
	delete(r.conns, conn.WorkerID)
	if byTenant, ok := r.tenant[conn.TenantID]; ok {
		delete(byTenant, conn.WorkerID)
		if len(byTenant) == 0 {
			delete(r.tenant, conn.TenantID)
		}
	}

	r.logger.Info("worker disconnected",
		"worker_id", conn.WorkerID,
		"tenant_id", conn.TenantID,
		"total_connections", len(r.conns),
	)
	return true
}

// Replace swaps in a new connection for a worker, returning the previous
// one (or nil). Used when a worker reconnects before its old socket is
// reaped.
func (r *Registry) Replace(conn *Conn) *Conn {
	r.mu.Lock()
	old := r.conns[conn.WorkerID]
	if old != nil {
		delete(r.conns, old.WorkerID)
		if byTenant, ok := r.tenant[old.TenantID]; ok {
			delete(byTenant, old.WorkerID)
		}
	}
	r.mu.Unlock()

	// Register cannot fail now that the slot is free.
	_ = r.Register(conn)
	return old
}

// Get retrieves a worker's live connection.
func (r *Registry) Get(workerID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[workerID]
	return conn, ok
}

// IsOnline reports whether the worker has a live connection.
func (r *Registry) IsOnline(workerID string) bool {
	_, ok := r.Get(workerID)
	return ok
}

// ListByTenant returns all live connections for a tenant.
func (r *Registry) ListByTenant(tenantID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byTenant := r.tenant[tenantID]
	conns := make([]*Conn, 0, len(byTenant))
	for _, c := range byTenant {
		conns = append(conns, c)
	}
	return conns
}

// List returns every live connection.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
