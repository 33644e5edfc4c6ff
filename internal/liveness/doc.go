// Package liveness detects dead workers by sweeping connection
// heartbeats and forcing silent workers offline.
package liveness
