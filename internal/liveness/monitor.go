// ABOUTME: Liveness monitor sweeping worker connections for heartbeat timeouts.
// ABOUTME: Stale workers are forced offline and their connections torn down.

package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/fleet-gateway/internal/lifecycle"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/registry"
)

// Monitor periodically checks every live connection's last heartbeat.
// A worker silent past the timeout is declared dead: forced offline
// (which re-queues its in-flight task) and disconnected.
type Monitor struct {
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	metrics   *metrics.Metrics
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a monitor. interval is the sweep period; timeout is how
// long a worker may stay silent before it is declared dead.
func New(reg *registry.Registry, lm *lifecycle.Manager, m *metrics.Metrics,
	interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:  reg,
		lifecycle: lm,
		metrics:   m,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.With("component", "liveness"),
	}
}

// Run sweeps until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every connection once. Exported so tests and shutdown
// paths can drive it directly.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()
	for _, conn := range m.registry.List() {
		silence := now.Sub(conn.LastHeartbeat())
		if silence <= m.timeout {
			continue
		}

		m.logger.Warn("worker heartbeat timeout",
			"worker_id", conn.WorkerID,
			"tenant_id", conn.TenantID,
			"silence", silence)

		if err := m.lifecycle.ForceOffline(ctx, conn.WorkerID, "heartbeat timeout"); err != nil {
			m.logger.Error("forcing worker offline failed",
				"worker_id", conn.WorkerID, "error", err)
		}

		m.registry.Unregister(conn)
		if err := conn.Close("heartbeat timeout"); err != nil {
			m.logger.Debug("closing stale connection failed",
				"worker_id", conn.WorkerID, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.SetWorkersOnline(m.registry.Len())
	}
}
