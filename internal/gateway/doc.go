// ABOUTME: Package gateway assembles the fleet controller and serves its endpoints.
// ABOUTME: Hosts the worker websocket, the admin REST API, SSE feed, and metrics.

// Package gateway wires the store, registry, lifecycle manager,
// scheduler, router, and liveness monitor into one process and serves
// them over HTTP: /ws for workers, /api for operators, /health and
// /metrics for machines.
package gateway
