// ABOUTME: Worker connection loop: registration, reconnect backoff, heartbeats, task frames.
// ABOUTME: One task runs at a time; cancellation kills the automation subprocess.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/fleet-gateway/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second

	// Reconnect backoff starts small and doubles up to the cap.
	reconnectBase = 3 * time.Second
	reconnectMax  = 30 * time.Second
)

// join registers a brand-new worker with a connection code and returns
// the persisted state.
func join(ctx context.Context, gatewayURL, code, name string, capabilities []string) (*workerState, error) {
	conn, _, err := websocket.Dial(ctx, gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "join complete")

	frame, err := protocol.Encode(&protocol.Register{
		Type:           protocol.TypeRegister,
		ConnectionCode: code,
		WorkerName:     name,
		DeviceInfo:     runtime.GOOS + "/" + runtime.GOARCH,
		Capabilities:   capabilities,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, fmt.Errorf("sending registration: %w", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading registration reply: %w", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}

	switch reply := msg.(type) {
	case *protocol.Registered:
		return &workerState{
			GatewayURL:   gatewayURL,
			WorkerID:     reply.WorkerID,
			TenantID:     reply.TenantID,
			SessionToken: reply.SessionToken,
			Name:         name,
			Capabilities: capabilities,
		}, nil
	case *protocol.Error:
		return nil, fmt.Errorf("registration rejected: %s", reply.Message)
	default:
		return nil, fmt.Errorf("unexpected reply %T", reply)
	}
}

// agent is a connected worker process.
type agent struct {
	state     *workerState
	executor  *executor
	heartbeat time.Duration
	logger    *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	taskMu     sync.Mutex
	taskCancel context.CancelFunc
	taskID     string
}

// run connects and serves until the context ends, reconnecting with
// exponential backoff on any connection loss.
func (a *agent) run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}

		a.logger.Warn("connection lost, reconnecting",
			"error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (a *agent) connectAndServe(ctx context.Context) error {
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + a.state.SessionToken}

	conn, _, err := websocket.Dial(ctx, a.state.GatewayURL,
		&websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "worker stopping")

	// The gateway confirms the session before anything else.
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading session confirmation: %w", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	registered, ok := msg.(*protocol.Registered)
	if !ok {
		return fmt.Errorf("expected REGISTERED, got %T", msg)
	}
	if registered.SessionToken != "" {
		a.state.SessionToken = registered.SessionToken
		if err := saveState(a.state); err != nil {
			a.logger.Warn("saving refreshed session failed", "error", err)
		}
	}

	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()
	a.logger.Info("connected", "worker_id", registered.WorkerID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(heartbeatCtx)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		a.handleFrame(ctx, raw)
	}
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.send(ctx, &protocol.Heartbeat{
				Type:      protocol.TypeHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				a.logger.Debug("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (a *agent) handleFrame(ctx context.Context, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		a.logger.Debug("undecodable frame from gateway", "error", err)
		return
	}

	switch frame := msg.(type) {
	case *protocol.TaskAssignment:
		a.startTask(ctx, frame)
	case *protocol.TaskCancel:
		a.cancelTask(frame.TaskID)
	case *protocol.HeartbeatAck:
		if len(frame.PendingTasks) > 0 {
			a.logger.Debug("pending tasks queued", "count", len(frame.PendingTasks))
		}
	case *protocol.CredentialResponse:
		// Credentials arrive with assignments; standalone responses
		// have nothing waiting on them here.
	case *protocol.Error:
		a.logger.Warn("gateway error", "message", frame.Message)
	default:
		a.logger.Debug("unexpected frame from gateway", "type", fmt.Sprintf("%T", frame))
	}
}

// startTask launches the automation subprocess for an assignment. A
// second assignment while one runs is refused; the gateway treats the
// failure like any other and requeues.
func (a *agent) startTask(ctx context.Context, assignment *protocol.TaskAssignment) {
	a.taskMu.Lock()
	if a.taskCancel != nil {
		a.taskMu.Unlock()
		a.logger.Warn("assignment while busy, refusing", "task_id", assignment.TaskID)
		_ = a.send(ctx, &protocol.TaskResult{
			Type:    protocol.TypeTaskResult,
			TaskID:  assignment.TaskID,
			Success: false,
			Error:   "worker busy with another task",
		})
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	a.taskCancel = cancel
	a.taskID = assignment.TaskID
	a.taskMu.Unlock()

	go func() {
		defer func() {
			cancel()
			a.taskMu.Lock()
			a.taskCancel = nil
			a.taskID = ""
			a.taskMu.Unlock()

			_ = a.send(ctx, &protocol.StatusUpdate{
				Type:   protocol.TypeStatusUpdate,
				Status: "online",
			})
		}()

		a.logger.Info("task started", "task_id", assignment.TaskID)
		_ = a.send(ctx, &protocol.StatusUpdate{
			Type:          protocol.TypeStatusUpdate,
			Status:        "busy",
			CurrentTaskID: assignment.TaskID,
		})

		outcome := a.executor.execute(taskCtx, assignment, a.forwardLog)

		result := &protocol.TaskResult{
			Type:    protocol.TypeTaskResult,
			TaskID:  assignment.TaskID,
			Success: outcome.err == nil,
			Result:  outcome.result,
		}
		if outcome.err != nil {
			result.Error = outcome.err.Error()
			if errors.Is(outcome.err, context.Canceled) {
				a.logger.Info("task aborted", "task_id", assignment.TaskID)
				return
			}
		}

		if err := a.send(ctx, result); err != nil {
			a.logger.Error("reporting task result failed",
				"task_id", assignment.TaskID, "error", err)
		}
		a.logger.Info("task finished",
			"task_id", assignment.TaskID, "success", result.Success)
	}()
}

func (a *agent) cancelTask(taskID string) {
	a.taskMu.Lock()
	defer a.taskMu.Unlock()

	if a.taskCancel == nil || a.taskID != taskID {
		a.logger.Debug("cancel for unknown task", "task_id", taskID)
		return
	}
	a.logger.Info("aborting task", "task_id", taskID)
	a.taskCancel()
}

func (a *agent) forwardLog(level, message string) {
	err := a.send(context.Background(), &protocol.Log{
		Type:    protocol.TypeLog,
		Level:   level,
		Message: message,
	})
	if err != nil {
		a.logger.Debug("forwarding log failed", "error", err)
	}
}

func (a *agent) send(ctx context.Context, msg any) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return errors.New("not connected")
	}
	return a.conn.Write(ctx, websocket.MessageText, frame)
}
