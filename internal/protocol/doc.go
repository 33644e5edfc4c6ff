// ABOUTME: Package documentation for the wire protocol types.
// ABOUTME: Describes the frame format shared by gateway and workers.

// Package protocol defines the JSON frame types exchanged between the
// fleet-gateway and its workers.
//
// Every frame is a single JSON object carrying a "type" discriminator.
// Workers send REGISTER, HEARTBEAT, STATUS_UPDATE, TASK_RESULT,
// CREDENTIAL_REQUEST and LOG frames; the gateway answers with REGISTERED,
// HEARTBEAT_ACK, TASK_ASSIGNMENT, TASK_CANCEL, CREDENTIAL_RESPONSE and
// ERROR frames.
//
// The protocol is transport-agnostic. The gateway serves it over websocket
// text messages, but nothing in this package depends on the transport.
package protocol
