// ABOUTME: Tests for protocol frame encoding and decoding.
// ABOUTME: Validates type discrimination, round-trips, and unknown-type handling.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"HEARTBEAT","timestamp":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, typ)
}

func TestPeekType_MissingType(t *testing.T) {
	_, err := PeekType([]byte(`{"worker_name":"w1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestPeekType_InvalidJSON(t *testing.T) {
	_, err := PeekType([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecode_Register(t *testing.T) {
	raw := []byte(`{"type":"REGISTER","connection_code":"abc123","worker_name":"desk-7","device_info":"macos/arm64","capabilities":["browser","forms"]}`)

	msg, err := Decode(raw)
	require.NoError(t, err)

	reg, ok := msg.(*Register)
	require.True(t, ok)
	assert.Equal(t, "abc123", reg.ConnectionCode)
	assert.Equal(t, "desk-7", reg.WorkerName)
	assert.Equal(t, []string{"browser", "forms"}, reg.Capabilities)
}

func TestDecode_TaskResult(t *testing.T) {
	raw := []byte(`{"type":"TASK_RESULT","task_id":"t1","success":false,"error":"login failed"}`)

	msg, err := Decode(raw)
	require.NoError(t, err)

	res, ok := msg.(*TaskResult)
	require.True(t, ok)
	assert.Equal(t, "t1", res.TaskID)
	assert.False(t, res.Success)
	assert.Equal(t, "login failed", res.Error)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"TELEPORT"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestEncode_RoundTrip(t *testing.T) {
	orig := &TaskAssignment{
		Type:        TypeTaskAssignment,
		TaskID:      "t42",
		Description: "fill out the intake form",
		Priority:    "urgent",
		Credentials: map[string]string{"portal_username": "ops"},
	}

	data, err := Encode(orig)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)

	got, ok := msg.(*TaskAssignment)
	require.True(t, ok)
	assert.Equal(t, orig, got)
}

func TestNewError(t *testing.T) {
	e := NewError("unknown message type")
	assert.Equal(t, TypeError, e.Type)

	data, err := Encode(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ERROR","message":"unknown message type"}`, string(data))
}

func TestNewHeartbeatAck_Empty(t *testing.T) {
	ack := NewHeartbeatAck(nil)
	data, err := Encode(ack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"HEARTBEAT_ACK"}`, string(data))
}
