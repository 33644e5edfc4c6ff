// ABOUTME: Package documentation for worker session authentication.
// ABOUTME: Session tokens let workers reconnect without re-spending a connection code.

// Package auth issues and verifies worker session tokens.
//
// Registration consumes a bounded-use connection code exactly once; the
// REGISTERED reply carries an HS256 JWT binding the worker to its tenant.
// Reconnecting workers present that token as a bearer credential instead
// of registering again.
package auth
