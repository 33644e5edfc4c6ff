// ABOUTME: Tests for the connection registry.
// ABOUTME: Validates registration, tenant indexing, replacement, and lookup.

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink collects written frames for assertions.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	reason string
}

func (f *fakeSink) WriteFrame(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func newConn(workerID, tenantID string) (*Conn, *fakeSink) {
	sink := &fakeSink{}
	return NewConn(workerID, tenantID, "worker-"+workerID, []string{"browser"}, sink), sink
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New(nil)
	conn, _ := newConn("w1", "tenant-a")

	require.NoError(t, r.Register(conn))
	assert.True(t, r.IsOnline("w1"))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, "tenant-a", got.TenantID)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := New(nil)
	first, _ := newConn("w1", "tenant-a")
	second, _ := newConn("w1", "tenant-a")

	require.NoError(t, r.Register(first))
	assert.ErrorIs(t, r.Register(second), ErrAlreadyConnected)
}

func TestRegistry_Replace(t *testing.T) {
	r := New(nil)
	first, _ := newConn("w1", "tenant-a")
	second, _ := newConn("w1", "tenant-a")

	require.NoError(t, r.Register(first))
	old := r.Replace(second)
	assert.Same(t, first, old)

	got, ok := r.Get("w1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Unregister(t *testing.T) {
	r := New(nil)
	conn, _ := newConn("w1", "tenant-a")
	require.NoError(t, r.Register(conn))

	assert.True(t, r.Unregister(conn))
	assert.False(t, r.IsOnline("w1"))
	assert.Empty(t, r.ListByTenant("tenant-a"))

	// Unregistering an unknown worker is harmless.
	assert.False(t, r.Unregister(conn))
}

func TestRegistry_UnregisterSupersededConnKeepsReplacement(t *testing.T) {
	r := New(nil)
	first, _ := newConn("w1", "tenant-a")
	second, _ := newConn("w1", "tenant-a")

	require.NoError(t, r.Register(first))
	r.Replace(second)

	// The old socket's teardown must not evict the new connection.
	assert.False(t, r.Unregister(first))
	assert.True(t, r.IsOnline("w1"))
	got, ok := r.Get("w1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Len(t, r.ListByTenant("tenant-a"), 1)
}

func TestRegistry_TenantIsolation(t *testing.T) {
	r := New(nil)
	a1, _ := newConn("w1", "tenant-a")
	a2, _ := newConn("w2", "tenant-a")
	b1, _ := newConn("w3", "tenant-b")

	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))
	require.NoError(t, r.Register(b1))

	assert.Len(t, r.ListByTenant("tenant-a"), 2)
	assert.Len(t, r.ListByTenant("tenant-b"), 1)
	assert.Empty(t, r.ListByTenant("tenant-c"))
	assert.Len(t, r.List(), 3)
}

func TestConn_Heartbeat(t *testing.T) {
	conn, _ := newConn("w1", "tenant-a")

	initial := conn.LastHeartbeat()
	assert.False(t, initial.IsZero())

	later := time.Now().Add(time.Minute)
	conn.TouchHeartbeat(later)
	assert.Equal(t, later, conn.LastHeartbeat())
}

func TestConn_SendAndClose(t *testing.T) {
	conn, sink := newConn("w1", "tenant-a")

	require.NoError(t, conn.Send(context.Background(), []byte(`{"type":"HEARTBEAT_ACK"}`)))
	require.NoError(t, conn.Close("shutting down"))

	assert.Len(t, sink.frames, 1)
	assert.True(t, sink.closed)
	assert.Equal(t, "shutting down", sink.reason)
}
