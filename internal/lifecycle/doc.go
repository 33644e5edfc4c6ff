// ABOUTME: Package lifecycle owns worker identity and the worker state machine.
// ABOUTME: Registration consumes connection codes atomically and issues session tokens.

// Package lifecycle manages worker registration, heartbeats, and
// status transitions. It is the single writer of worker status; the
// scheduler and liveness monitor go through it rather than touching
// worker rows directly.
package lifecycle
