// ABOUTME: Package events defines gateway event records and their in-memory fan-out.
// ABOUTME: Admin SSE streams and CLI watchers subscribe per tenant; publishing never blocks.

// Package events provides the gateway's internal event feed.
//
// Components publish Event records describing worker and task state
// changes. The Broadcaster fans them out to per-tenant subscribers
// over buffered channels; slow consumers lose events rather than
// stalling the publisher.
package events
