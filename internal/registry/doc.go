// ABOUTME: Package documentation for the connection registry.
// ABOUTME: Explains the split between connection state and persisted worker state.

// Package registry tracks live worker connections keyed by worker identity.
//
// The registry holds only transport state: which workers currently have an
// open connection, what they declared at registration, and when they last
// heartbeat on the wire. Persistent worker state (status, counters) lives
// in the store; a worker can exist in the store while absent here, which is
// exactly the "offline" condition the liveness monitor enforces.
package registry
