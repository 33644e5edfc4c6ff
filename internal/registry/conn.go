// ABOUTME: Represents a single connected worker and its outbound frame sink.
// ABOUTME: Tracks identity, capabilities, and the last heartbeat seen on the wire.

package registry

import (
	"context"
	"sync"
	"time"
)

// Sink is the transport half of a worker connection: something frames can
// be written to and that can be closed with a reason. The websocket layer
// implements it; tests use an in-memory pipe.
type Sink interface {
	// WriteFrame sends one encoded protocol frame to the peer.
	WriteFrame(ctx context.Context, frame []byte) error
	// Close tears the connection down, delivering the reason when the
	// transport supports it.
	Close(reason string) error
}

// Conn is a live worker connection with its authenticated identity.
// A Conn exists only after registration (or session resume) succeeds.
type Conn struct {
	WorkerID     string
	TenantID     string
	Name         string
	Capabilities []string
	ConnectedAt  time.Time

	sink Sink

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// NewConn wraps a transport sink with a worker identity.
func NewConn(workerID, tenantID, name string, capabilities []string, sink Sink) *Conn {
	now := time.Now()
	return &Conn{
		WorkerID:      workerID,
		TenantID:      tenantID,
		Name:          name,
		Capabilities:  capabilities,
		ConnectedAt:   now,
		sink:          sink,
		lastHeartbeat: now,
	}
}

// Send writes one encoded frame to the worker.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	return c.sink.WriteFrame(ctx, frame)
}

// Close tears down the underlying transport.
func (c *Conn) Close(reason string) error {
	return c.sink.Close(reason)
}

// TouchHeartbeat records that a heartbeat arrived on this connection.
func (c *Conn) TouchHeartbeat(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = at
}

// LastHeartbeat returns the time of the most recent heartbeat. Connections
// start with the connect time so a fresh worker is not swept immediately.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}
