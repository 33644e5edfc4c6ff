// ABOUTME: Wire protocol frames exchanged between the gateway and workers.
// ABOUTME: One frame is one JSON object with a "type" discriminator field.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType indicates a frame whose type discriminator is not recognized.
var ErrUnknownType = errors.New("unknown message type")

// MessageType identifies the kind of a protocol frame.
type MessageType string

// Worker-to-gateway frame types.
const (
	TypeRegister          MessageType = "REGISTER"
	TypeHeartbeat         MessageType = "HEARTBEAT"
	TypeStatusUpdate      MessageType = "STATUS_UPDATE"
	TypeTaskResult        MessageType = "TASK_RESULT"
	TypeCredentialRequest MessageType = "CREDENTIAL_REQUEST"
	TypeLog               MessageType = "LOG"
)

// Gateway-to-worker frame types.
const (
	TypeRegistered         MessageType = "REGISTERED"
	TypeHeartbeatAck       MessageType = "HEARTBEAT_ACK"
	TypeTaskAssignment     MessageType = "TASK_ASSIGNMENT"
	TypeTaskCancel         MessageType = "TASK_CANCEL"
	TypeCredentialResponse MessageType = "CREDENTIAL_RESPONSE"
	TypeError              MessageType = "ERROR"
)

// Register is sent by a worker to join a tenant using a connection code.
type Register struct {
	Type           MessageType `json:"type"`
	ConnectionCode string      `json:"connection_code"`
	WorkerName     string      `json:"worker_name"`
	DeviceInfo     string      `json:"device_info,omitempty"`
	Capabilities   []string    `json:"capabilities,omitempty"`
}

// Registered confirms a successful registration. The session token
// authenticates reconnections without re-consuming the connection code.
type Registered struct {
	Type         MessageType `json:"type"`
	WorkerID     string      `json:"worker_id"`
	TenantID     string      `json:"tenant_id"`
	SessionToken string      `json:"session_token,omitempty"`
}

// Heartbeat is the periodic liveness signal from a worker.
type Heartbeat struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// TaskHint is a compact view of a queued task, carried on heartbeat acks so
// reconnecting workers learn about pending work without waiting for a tick.
type TaskHint struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// HeartbeatAck acknowledges a heartbeat and hints at pending tasks.
type HeartbeatAck struct {
	Type         MessageType `json:"type"`
	PendingTasks []TaskHint  `json:"pending_tasks,omitempty"`
}

// StatusUpdate reports a worker-initiated status change.
type StatusUpdate struct {
	Type          MessageType `json:"type"`
	Status        string      `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
}

// TaskAssignment dispatches a task to a worker, with the tenant's
// credentials resolved at assignment time.
type TaskAssignment struct {
	Type        MessageType       `json:"type"`
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	Priority    string            `json:"priority"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// TaskCancel instructs a worker to abort an in-flight task.
type TaskCancel struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

// TaskResult reports the terminal outcome of a task execution.
type TaskResult struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Success bool        `json:"success"`
	Result  string      `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CredentialRequest asks the gateway for tenant credentials by key.
// An empty key list requests the tenant's full credential set.
type CredentialRequest struct {
	Type          MessageType `json:"type"`
	RequestedKeys []string    `json:"requested_keys,omitempty"`
	RequestID     string      `json:"request_id"`
}

// CredentialResponse answers a CredentialRequest.
type CredentialResponse struct {
	Type        MessageType       `json:"type"`
	Credentials map[string]string `json:"credentials"`
	RequestID   string            `json:"request_id"`
}

// Log forwards a worker log line to the tenant's admin feed.
type Log struct {
	Type    MessageType `json:"type"`
	Level   string      `json:"level"`
	Message string      `json:"message"`
}

// Error carries a failure back to the peer that caused it.
type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// envelope is used to peek at the discriminator before full decoding.
type envelope struct {
	Type MessageType `json:"type"`
}

// PeekType returns the type discriminator of a raw frame without decoding
// the full payload.
func PeekType(data []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decoding frame envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type field", ErrUnknownType)
	}
	return env.Type, nil
}

// Decode parses a raw frame into its typed message struct.
// Returns ErrUnknownType for unrecognized discriminators.
func Decode(data []byte) (any, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	var msg any
	switch t {
	case TypeRegister:
		msg = &Register{}
	case TypeRegistered:
		msg = &Registered{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeHeartbeatAck:
		msg = &HeartbeatAck{}
	case TypeStatusUpdate:
		msg = &StatusUpdate{}
	case TypeTaskAssignment:
		msg = &TaskAssignment{}
	case TypeTaskCancel:
		msg = &TaskCancel{}
	case TypeTaskResult:
		msg = &TaskResult{}
	case TypeCredentialRequest:
		msg = &CredentialRequest{}
	case TypeCredentialResponse:
		msg = &CredentialResponse{}
	case TypeLog:
		msg = &Log{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", t, err)
	}
	return msg, nil
}

// Encode serializes a typed message into a raw frame. The message's Type
// field must be set by the caller; the helpers below do that.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}

// NewError builds an ERROR frame with the given message.
func NewError(message string) *Error {
	return &Error{Type: TypeError, Message: message}
}

// NewRegistered builds a REGISTERED frame.
func NewRegistered(workerID, tenantID, sessionToken string) *Registered {
	return &Registered{
		Type:         TypeRegistered,
		WorkerID:     workerID,
		TenantID:     tenantID,
		SessionToken: sessionToken,
	}
}

// NewHeartbeatAck builds a HEARTBEAT_ACK frame with pending task hints.
func NewHeartbeatAck(hints []TaskHint) *HeartbeatAck {
	return &HeartbeatAck{Type: TypeHeartbeatAck, PendingTasks: hints}
}
