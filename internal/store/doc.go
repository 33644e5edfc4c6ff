// ABOUTME: Package documentation for the persistence layer.
// ABOUTME: Explains the store contract and its conditional-update primitives.

// Package store provides persistence for workers, tasks, connection codes,
// credentials and usage events.
//
// Two implementations exist: SQLiteStore (modernc.org/sqlite, the production
// store) and MemoryStore (map-backed, for tests and ephemeral runs). Both
// honor the same conditional-update semantics: ConsumeConnectionCode,
// ClaimTask, FinishTask, RequeueTask and CancelTask are single
// compare-and-swap operations on status. All cross-replica safety rests on
// these primitives; the in-memory queues built on top never substitute for
// them.
package store
