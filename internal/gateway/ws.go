// ABOUTME: Worker websocket endpoint: handshake, session auth, and the frame read loop.
// ABOUTME: New workers register with a connection code; returning ones present a session token.

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/fleet-gateway/internal/lifecycle"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/router"
	"github.com/2389/fleet-gateway/internal/store"
)

// registerTimeout bounds how long a fresh connection may sit silent
// before sending its REGISTER frame.
const registerTimeout = 30 * time.Second

// wsSink adapts a websocket connection to the registry's Sink.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(ctx context.Context, frame []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *wsSink) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleWorkerSocket upgrades the request and runs the connection until
// the worker leaves or misbehaves.
func (g *Gateway) handleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}

	conn, err := g.admitWorker(r.Context(), r, ws)
	if err != nil {
		g.logger.Info("worker admission failed", "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "admission failed")
		return
	}

	g.readLoop(conn, ws)
}

// admitWorker authenticates the connection and registers it. Returning
// workers present a session token; new ones send REGISTER as their
// first frame.
func (g *Gateway) admitWorker(ctx context.Context, r *http.Request,
	ws *websocket.Conn) (*registry.Conn, error) {

	sink := &wsSink{conn: ws}

	if token := bearerToken(r); token != "" {
		return g.admitReturning(ctx, token, sink)
	}
	return g.admitNew(ctx, ws, sink)
}

func (g *Gateway) admitReturning(ctx context.Context, token string,
	sink *wsSink) (*registry.Conn, error) {

	identity, err := g.issuer.Verify(token)
	if err != nil {
		return nil, err
	}

	worker, err := g.lifecycle.Reconnect(ctx, identity.WorkerID, identity.TenantID)
	if err != nil {
		return nil, err
	}

	conn := registry.NewConn(worker.ID, worker.TenantID, worker.Name,
		worker.Capabilities, sink)
	g.install(conn)

	// A reconnect refreshes the session; the worker stores the new token.
	fresh, err := g.issuer.Issue(worker.ID, worker.TenantID, g.config.Auth.SessionTTL)
	if err != nil {
		fresh = ""
	}
	if err := g.sendFrame(ctx, conn, protocol.NewRegistered(worker.ID, worker.TenantID, fresh)); err != nil {
		return nil, err
	}

	g.scheduler.Kick(worker.TenantID)
	return conn, nil
}

func (g *Gateway) admitNew(ctx context.Context, ws *websocket.Conn,
	sink *wsSink) (*registry.Conn, error) {

	readCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	_, raw, err := ws.Read(readCtx)
	if err != nil {
		return nil, err
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	reg, ok := msg.(*protocol.Register)
	if !ok {
		return nil, errors.New("first frame must be REGISTER")
	}

	worker, token, err := g.lifecycle.Register(ctx, reg.ConnectionCode,
		reg.WorkerName, reg.DeviceInfo, reg.Capabilities)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidCode) {
			frame, encErr := protocol.Encode(protocol.NewError("invalid connection code"))
			if encErr == nil {
				_ = sink.WriteFrame(ctx, frame)
			}
		}
		return nil, err
	}

	conn := registry.NewConn(worker.ID, worker.TenantID, worker.Name,
		worker.Capabilities, sink)
	g.install(conn)

	if err := g.sendFrame(ctx, conn, protocol.NewRegistered(worker.ID, worker.TenantID, token)); err != nil {
		return nil, err
	}

	g.scheduler.Kick(worker.TenantID)
	return conn, nil
}

// install swaps out any previous connection for the worker.
func (g *Gateway) install(conn *registry.Conn) {
	if old := g.registry.Replace(conn); old != nil {
		_ = old.Close("replaced by new connection")
	}
	if g.metrics != nil {
		g.metrics.SetWorkersOnline(g.registry.Len())
	}
}

// readLoop pumps frames into the router until the connection dies or
// crosses a tenant boundary.
func (g *Gateway) readLoop(conn *registry.Conn, ws *websocket.Conn) {
	ctx := context.Background()
	logger := g.logger.With("worker_id", conn.WorkerID, "tenant_id", conn.TenantID)

	defer func() {
		// A superseded connection no longer owns the worker's registry
		// slot; its teardown must not touch the replacement's state.
		if !g.registry.Unregister(conn) {
			logger.Debug("connection superseded, skipping teardown")
			return
		}
		if g.metrics != nil {
			g.metrics.SetWorkersOnline(g.registry.Len())
		}
		if err := g.lifecycle.Deregister(ctx, conn.WorkerID); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			logger.Error("deregistering worker failed", "error", err)
		}
	}()

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			logger.Info("worker connection closed", "error", err)
			return
		}

		if err := g.router.HandleFrame(ctx, conn, raw); err != nil {
			if errors.Is(err, router.ErrForbidden) {
				logger.Warn("closing connection after tenant violation")
				_ = ws.Close(websocket.StatusPolicyViolation, "forbidden")
				return
			}
			logger.Debug("frame handling failed", "error", err)
		}
	}
}

func (g *Gateway) sendFrame(ctx context.Context, conn *registry.Conn, msg any) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
