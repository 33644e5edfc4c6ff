// ABOUTME: Tests for the frame router's dispatch, replies, and tenant enforcement.
// ABOUTME: Drives full frames through a wired store, lifecycle, and scheduler.

package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/credentials"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/events"
	"github.com/2389/fleet-gateway/internal/lifecycle"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
)

// captureSink records frames written to a connection.
type captureSink struct {
	frames [][]byte
}

func (c *captureSink) WriteFrame(_ context.Context, frame []byte) error {
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureSink) Close(string) error { return nil }

func (c *captureSink) last(t *testing.T) any {
	t.Helper()
	require.NotEmpty(t, c.frames)
	msg, err := protocol.Decode(c.frames[len(c.frames)-1])
	require.NoError(t, err)
	return msg
}

type fixture struct {
	store       store.Store
	registry    *registry.Registry
	lifecycle   *lifecycle.Manager
	scheduler   *scheduler.Scheduler
	broadcaster *events.Broadcaster
	router      *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	issuer := auth.NewTokenIssuer([]byte("test-secret"))
	broadcaster := events.NewBroadcaster(nil)
	lm := lifecycle.New(st, issuer, broadcaster, time.Hour, 5, nil)
	reg := registry.New(nil)
	broker := credentials.New(credentials.NewStoreSource(st), time.Second, nil)
	sched := scheduler.New(st, lm, reg, broker, broadcaster, nil, nil)
	lm.BindRecoverer(sched)

	results := dedupe.New(time.Minute, 100)
	t.Cleanup(results.Close)

	rt := New(st, reg, lm, sched, broker, broadcaster, results, nil, nil)
	sched.BindSender(rt)

	return &fixture{
		store:       st,
		registry:    reg,
		lifecycle:   lm,
		scheduler:   sched,
		broadcaster: broadcaster,
		router:      rt,
	}
}

// connect creates an online worker with a capturing connection.
func (f *fixture) connect(t *testing.T, id, tenantID string) (*registry.Conn, *captureSink) {
	t.Helper()
	require.NoError(t, f.store.CreateWorker(context.Background(), &store.Worker{
		ID: id, TenantID: tenantID, Name: id, Status: store.WorkerOnline,
		LastSeen: time.Now().UTC(),
	}))
	sink := &captureSink{}
	conn := registry.NewConn(id, tenantID, id, nil, sink)
	require.NoError(t, f.registry.Register(conn))
	return conn, sink
}

func encode(t *testing.T, msg any) []byte {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	return frame
}

// assignTask submits a task and ticks it onto the given worker.
func (f *fixture) assignTask(t *testing.T, tenantID string) string {
	t.Helper()
	ctx := context.Background()
	taskID, err := f.scheduler.Submit(ctx, tenantID, "do the thing", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	f.scheduler.Tick(ctx)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskAssigned, task.Status, "task should be assigned after tick")
	return taskID
}

func TestRouter_Heartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, sink := f.connect(t, "w1", "tenant-a")

	require.NoError(t, f.store.CreateTask(ctx, &store.Task{
		ID: "t1", TenantID: "tenant-a", Description: "queued work",
		Status: store.TaskPending, Priority: store.PriorityHigh,
	}))

	frame := encode(t, &protocol.Heartbeat{Type: protocol.TypeHeartbeat})
	require.NoError(t, f.router.HandleFrame(ctx, conn, frame))

	ack, ok := sink.last(t).(*protocol.HeartbeatAck)
	require.True(t, ok)
	require.Len(t, ack.PendingTasks, 1)
	assert.Equal(t, "t1", ack.PendingTasks[0].TaskID)
}

func TestRouter_StatusUpdateBusyMarksRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, _ := f.connect(t, "w1", "tenant-a")
	taskID := f.assignTask(t, "tenant-a")

	frame := encode(t, &protocol.StatusUpdate{
		Type: protocol.TypeStatusUpdate, Status: "busy", CurrentTaskID: taskID,
	})
	require.NoError(t, f.router.HandleFrame(ctx, conn, frame))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, task.Status)
}

func TestRouter_StatusUpdateUnknownStatus(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "w1", "tenant-a")

	frame := encode(t, &protocol.StatusUpdate{
		Type: protocol.TypeStatusUpdate, Status: "sleepy",
	})
	require.NoError(t, f.router.HandleFrame(context.Background(), conn, frame))

	errFrame, ok := sink.last(t).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, errFrame.Message, "sleepy")
}

func TestRouter_TaskResultCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, _ := f.connect(t, "w1", "tenant-a")
	taskID := f.assignTask(t, "tenant-a")

	frame := encode(t, &protocol.TaskResult{
		Type: protocol.TypeTaskResult, TaskID: taskID, Success: true, Result: "42",
	})
	require.NoError(t, f.router.HandleFrame(ctx, conn, frame))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "42", task.Result)
}

func TestRouter_DuplicateTaskResultScreened(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, _ := f.connect(t, "w1", "tenant-a")
	taskID := f.assignTask(t, "tenant-a")

	frame := encode(t, &protocol.TaskResult{
		Type: protocol.TypeTaskResult, TaskID: taskID, Success: true, Result: "first",
	})
	require.NoError(t, f.router.HandleFrame(ctx, conn, frame))

	retransmit := encode(t, &protocol.TaskResult{
		Type: protocol.TypeTaskResult, TaskID: taskID, Success: false, Error: "replay",
	})
	require.NoError(t, f.router.HandleFrame(ctx, conn, retransmit))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "first", task.Result)
}

// flakyStore fails FinishTask on demand to simulate a transient store
// outage.
type flakyStore struct {
	store.Store
	failFinish bool
}

func (s *flakyStore) FinishTask(ctx context.Context, taskID string, status store.TaskStatus,
	result, errMsg string) error {
	if s.failFinish {
		return context.DeadlineExceeded
	}
	return s.Store.FinishTask(ctx, taskID, status, result, errMsg)
}

func TestRouter_TaskResultRetransmitAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: store.NewMemoryStore()}
	t.Cleanup(func() { _ = flaky.Close() })

	issuer := auth.NewTokenIssuer([]byte("test-secret"))
	lm := lifecycle.New(flaky, issuer, nil, time.Hour, 5, nil)
	reg := registry.New(nil)
	sched := scheduler.New(flaky, lm, reg, nil, nil, nil, nil)
	lm.BindRecoverer(sched)
	results := dedupe.New(time.Minute, 100)
	t.Cleanup(results.Close)
	rt := New(flaky, reg, lm, sched, nil, nil, results, nil, nil)
	sched.BindSender(rt)

	require.NoError(t, flaky.CreateWorker(ctx, &store.Worker{
		ID: "w1", TenantID: "tenant-a", Name: "w1", Status: store.WorkerOnline,
		LastSeen: time.Now().UTC(),
	}))
	sink := &captureSink{}
	conn := registry.NewConn("w1", "tenant-a", "w1", nil, sink)
	require.NoError(t, reg.Register(conn))

	taskID, err := sched.Submit(ctx, "tenant-a", "do the thing", nil, store.PriorityNormal, 0)
	require.NoError(t, err)
	sched.Tick(ctx)

	// The store rejects the first completion attempt; the worker gets an
	// error reply, not a silent drop.
	flaky.failFinish = true
	frame := encode(t, &protocol.TaskResult{
		Type: protocol.TypeTaskResult, TaskID: taskID, Success: true, Result: "42",
	})
	require.NoError(t, rt.HandleFrame(ctx, conn, frame))
	_, ok := sink.last(t).(*protocol.Error)
	require.True(t, ok)

	// The retransmit lands once the store recovers.
	flaky.failFinish = false
	require.NoError(t, rt.HandleFrame(ctx, conn, frame))

	task, err := flaky.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "42", task.Result)
}

func TestRouter_ForeignTenantTaskForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, _ := f.connect(t, "w1", "tenant-a")

	require.NoError(t, f.store.CreateTask(ctx, &store.Task{
		ID: "foreign", TenantID: "tenant-b", Description: "not yours",
		Status: store.TaskPending, Priority: store.PriorityNormal,
	}))

	frame := encode(t, &protocol.TaskResult{
		Type: protocol.TypeTaskResult, TaskID: "foreign", Success: true,
	})
	err := f.router.HandleFrame(ctx, conn, frame)
	assert.ErrorIs(t, err, ErrForbidden)

	// Unknown ids are indistinguishable from foreign ones.
	frame = encode(t, &protocol.TaskResult{
		Type: protocol.TypeTaskResult, TaskID: "no-such-task", Success: true,
	})
	err = f.router.HandleFrame(ctx, conn, frame)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRouter_CredentialRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, sink := f.connect(t, "w1", "tenant-a")

	require.NoError(t, f.store.UpsertCredential(ctx, &store.Credential{
		TenantID: "tenant-a", Key: "api_key", Value: "sk-123",
	}))

	frame := encode(t, &protocol.CredentialRequest{
		Type: protocol.TypeCredentialRequest, RequestedKeys: []string{"api_key"},
		RequestID: "req-1",
	})
	require.NoError(t, f.router.HandleFrame(ctx, conn, frame))

	resp, ok := sink.last(t).(*protocol.CredentialResponse)
	require.True(t, ok)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, map[string]string{"api_key": "sk-123"}, resp.Credentials)
}

func TestRouter_CredentialRequestMissingKeysEmpty(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "w1", "tenant-a")

	frame := encode(t, &protocol.CredentialRequest{
		Type: protocol.TypeCredentialRequest, RequestedKeys: []string{"ghost"},
		RequestID: "req-2",
	})
	require.NoError(t, f.router.HandleFrame(context.Background(), conn, frame))

	resp, ok := sink.last(t).(*protocol.CredentialResponse)
	require.True(t, ok)
	assert.Empty(t, resp.Credentials)
}

func TestRouter_LogForwardedToFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, _ := f.connect(t, "w1", "tenant-a")

	feed, _ := f.broadcaster.Subscribe(ctx, "tenant-a")

	frame := encode(t, &protocol.Log{
		Type: protocol.TypeLog, Level: "warn", Message: "captcha hit",
	})
	require.NoError(t, f.router.HandleFrame(ctx, conn, frame))

	select {
	case event := <-feed:
		assert.Equal(t, events.KindWorkerLog, event.Kind)
		assert.Equal(t, "w1", event.WorkerID)
		assert.Equal(t, "captcha hit", event.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for feed event")
	}
}

func TestRouter_MalformedFrameGetsError(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "w1", "tenant-a")

	require.NoError(t, f.router.HandleFrame(context.Background(), conn, []byte("{not json")))

	_, ok := sink.last(t).(*protocol.Error)
	assert.True(t, ok)
}

func TestRouter_UnknownTypeKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "w1", "tenant-a")

	raw, err := json.Marshal(map[string]string{"type": "TELEPORT"})
	require.NoError(t, err)
	require.NoError(t, f.router.HandleFrame(context.Background(), conn, raw))

	_, ok := sink.last(t).(*protocol.Error)
	assert.True(t, ok)
	assert.True(t, f.registry.IsOnline("w1"))
}

func TestRouter_RegisterOnLiveSessionRejected(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "w1", "tenant-a")

	frame := encode(t, &protocol.Register{
		Type: protocol.TypeRegister, ConnectionCode: "whatever", WorkerName: "w1",
	})
	require.NoError(t, f.router.HandleFrame(context.Background(), conn, frame))

	errFrame, ok := sink.last(t).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, errFrame.Message, "already registered")
}

func TestRouter_SendToDisconnectedWorker(t *testing.T) {
	f := newFixture(t)

	err := f.router.SendAssignment(context.Background(), "ghost",
		&protocol.TaskAssignment{Type: protocol.TypeTaskAssignment, TaskID: "t"})
	assert.ErrorIs(t, err, ErrNotConnected)
}
