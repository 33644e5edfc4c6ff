// ABOUTME: Package scheduler matches queued tasks to eligible workers.
// ABOUTME: Queues are per tenant; the store's conditional claim is the source of truth.

// Package scheduler owns task intake, queueing, dispatch, retry, and
// recovery. The in-memory priority queues are an acceleration over the
// store's pending rows; every assignment still goes through a
// conditional claim so concurrent gateways cannot double-assign.
package scheduler
