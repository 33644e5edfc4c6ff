// ABOUTME: Message router dispatching decoded worker frames to exactly one handler.
// ABOUTME: Enforces tenant boundaries on every claimed id and screens duplicate results.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/fleet-gateway/internal/credentials"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/events"
	"github.com/2389/fleet-gateway/internal/lifecycle"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
)

var (
	// ErrForbidden means a frame referenced a resource outside the
	// sender's tenant. The caller must close the connection.
	ErrForbidden = errors.New("frame references another tenant's resource")

	// ErrNotConnected means the target worker has no live connection.
	ErrNotConnected = errors.New("worker not connected")
)

// Router is the sole boundary between wire frames and the gateway's
// internals. Inbound frames dispatch to exactly one handler; outbound
// frames are encoded here and nowhere else.
type Router struct {
	store       store.Store
	registry    *registry.Registry
	lifecycle   *lifecycle.Manager
	scheduler   *scheduler.Scheduler
	broker      *credentials.Broker
	broadcaster *events.Broadcaster
	results     *dedupe.Cache
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates a router. The result cache screens retransmitted
// TASK_RESULT frames; the scheduler's terminal check is the
// authoritative second line.
func New(st store.Store, reg *registry.Registry, lm *lifecycle.Manager,
	sched *scheduler.Scheduler, broker *credentials.Broker,
	broadcaster *events.Broadcaster, results *dedupe.Cache,
	m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:       st,
		registry:    reg,
		lifecycle:   lm,
		scheduler:   sched,
		broker:      broker,
		broadcaster: broadcaster,
		results:     results,
		metrics:     m,
		logger:      logger.With("component", "router"),
	}
}

// HandleFrame processes one inbound frame from an authenticated
// connection. A returned ErrForbidden obliges the caller to close the
// connection; any other error has already been answered on the wire
// where a reply was warranted.
func (r *Router) HandleFrame(ctx context.Context, conn *registry.Conn, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		if r.metrics != nil {
			r.metrics.FrameDropped()
		}
		r.logger.Debug("undecodable frame",
			"worker_id", conn.WorkerID, "error", err)
		return r.reply(ctx, conn, protocol.NewError("unrecognized frame"))
	}

	switch frame := msg.(type) {
	case *protocol.Heartbeat:
		return r.handleHeartbeat(ctx, conn)
	case *protocol.StatusUpdate:
		return r.handleStatusUpdate(ctx, conn, frame)
	case *protocol.TaskResult:
		return r.handleTaskResult(ctx, conn, frame)
	case *protocol.CredentialRequest:
		return r.handleCredentialRequest(ctx, conn, frame)
	case *protocol.Log:
		return r.handleLog(conn, frame)
	case *protocol.Register:
		// Registration happens during connection setup; a second
		// REGISTER on a live session is a client bug, not a breach.
		return r.reply(ctx, conn, protocol.NewError("already registered"))
	default:
		if r.metrics != nil {
			r.metrics.FrameDropped()
		}
		return r.reply(ctx, conn, protocol.NewError(
			fmt.Sprintf("unexpected frame type %T", frame)))
	}
}

func (r *Router) handleHeartbeat(ctx context.Context, conn *registry.Conn) error {
	conn.TouchHeartbeat(time.Now())

	hints, err := r.lifecycle.Heartbeat(ctx, conn.WorkerID)
	if err != nil {
		r.logger.Error("heartbeat processing failed",
			"worker_id", conn.WorkerID, "error", err)
		hints = nil
	}
	return r.reply(ctx, conn, protocol.NewHeartbeatAck(hints))
}

func (r *Router) handleStatusUpdate(ctx context.Context, conn *registry.Conn,
	frame *protocol.StatusUpdate) error {

	status := store.WorkerStatus(frame.Status)
	if !status.Valid() {
		return r.reply(ctx, conn, protocol.NewError(
			fmt.Sprintf("unknown status %q", frame.Status)))
	}

	var taskID *string
	if frame.CurrentTaskID != "" {
		if err := r.authorizeTask(ctx, conn, frame.CurrentTaskID); err != nil {
			return err
		}
		taskID = &frame.CurrentTaskID
	}

	if status == store.WorkerBusy && taskID != nil {
		// The worker picked its assignment up; record the start.
		if err := r.store.MarkTaskRunning(ctx, *taskID); err != nil &&
			!errors.Is(err, store.ErrClaimConflict) && !errors.Is(err, store.ErrTaskTerminal) {
			r.logger.Error("marking task running failed",
				"task_id", *taskID, "error", err)
		}
	}

	if err := r.lifecycle.SetStatus(ctx, conn.WorkerID, status, taskID); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return r.reply(ctx, conn, protocol.NewError(err.Error()))
		}
		r.logger.Error("status update failed",
			"worker_id", conn.WorkerID, "error", err)
	}
	return nil
}

func (r *Router) handleTaskResult(ctx context.Context, conn *registry.Conn,
	frame *protocol.TaskResult) error {

	if err := r.authorizeTask(ctx, conn, frame.TaskID); err != nil {
		return err
	}

	key := dedupe.ResultKey(frame.TaskID, conn.WorkerID)
	if r.results != nil && r.results.Seen(key) {
		r.logger.Debug("duplicate task result dropped",
			"task_id", frame.TaskID, "worker_id", conn.WorkerID)
		if r.metrics != nil {
			r.metrics.FrameDropped()
		}
		return nil
	}

	err := r.scheduler.CompleteTask(ctx, frame.TaskID, conn.WorkerID,
		frame.Success, frame.Result, frame.Error)
	if err != nil {
		if errors.Is(err, scheduler.ErrWrongWorker) {
			return r.reply(ctx, conn, protocol.NewError(err.Error()))
		}
		r.logger.Error("completing task failed",
			"task_id", frame.TaskID, "error", err)
		return r.reply(ctx, conn, protocol.NewError("result processing failed"))
	}

	// Mark only after completion took effect so a transient store
	// failure does not swallow the worker's retransmits. The store's
	// terminal-status check keeps a late mark idempotent.
	if r.results != nil {
		r.results.Mark(key)
	}
	return nil
}

func (r *Router) handleCredentialRequest(ctx context.Context, conn *registry.Conn,
	frame *protocol.CredentialRequest) error {

	creds, err := r.broker.Resolve(ctx, conn.TenantID, frame.RequestedKeys)
	if err != nil {
		// Degrade to an empty set; the worker decides whether it can
		// proceed without.
		r.logger.Warn("credential resolution failed",
			"worker_id", conn.WorkerID, "error", err)
		if r.metrics != nil {
			r.metrics.CredentialRequest("error")
		}
		creds = map[string]string{}
	} else if r.metrics != nil {
		if len(creds) > 0 {
			r.metrics.CredentialRequest("hit")
		} else {
			r.metrics.CredentialRequest("miss")
		}
	}

	return r.reply(ctx, conn, &protocol.CredentialResponse{
		Type:        protocol.TypeCredentialResponse,
		Credentials: creds,
		RequestID:   frame.RequestID,
	})
}

func (r *Router) handleLog(conn *registry.Conn, frame *protocol.Log) error {
	if r.broadcaster != nil {
		r.broadcaster.Publish(events.New(conn.TenantID, events.KindWorkerLog).
			WithWorker(conn.WorkerID).WithLevel(frame.Level).WithMessage(frame.Message))
	}
	return nil
}

// authorizeTask verifies the task belongs to the connection's tenant.
// An unknown task id gets the same treatment as a foreign one so
// probing cannot enumerate ids.
func (r *Router) authorizeTask(ctx context.Context, conn *registry.Conn, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.forbidden(conn, taskID, "unknown task")
		}
		return fmt.Errorf("loading task for authorization: %w", err)
	}
	if task.TenantID != conn.TenantID {
		return r.forbidden(conn, taskID, "foreign tenant task")
	}
	return nil
}

// forbidden logs the security event and reports the violation. The
// caller closes the connection.
func (r *Router) forbidden(conn *registry.Conn, resourceID, detail string) error {
	r.logger.Warn("tenant boundary violation",
		"worker_id", conn.WorkerID,
		"tenant_id", conn.TenantID,
		"resource_id", resourceID,
		"detail", detail)
	return ErrForbidden
}

// SendAssignment delivers a TASK_ASSIGNMENT to a connected worker.
func (r *Router) SendAssignment(ctx context.Context, workerID string,
	a *protocol.TaskAssignment) error {
	return r.send(ctx, workerID, a)
}

// SendCancel delivers a TASK_CANCEL to a connected worker.
func (r *Router) SendCancel(ctx context.Context, workerID string,
	c *protocol.TaskCancel) error {
	return r.send(ctx, workerID, c)
}

func (r *Router) send(ctx context.Context, workerID string, msg any) error {
	conn, ok := r.registry.Get(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, workerID)
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("sending frame to %s: %w", workerID, err)
	}
	return nil
}

func (r *Router) reply(ctx context.Context, conn *registry.Conn, msg any) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("replying to %s: %w", conn.WorkerID, err)
	}
	return nil
}
