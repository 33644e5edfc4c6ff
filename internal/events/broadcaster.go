// ABOUTME: In-memory fan-out broadcaster for the tenant admin feed.
// ABOUTME: Publishes lifecycle/task/log events to all subscribers of a tenant.

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Slow subscribers beyond this depth lose events rather than block
// the publishing path.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for admin feed events, keyed by
// tenant. Cross-component notification is explicit message passing through
// this type; no component registers callbacks on another.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // tenantID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for a tenant's events. Returns the
// event channel and a subscription ID. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan *Event)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of its tenant.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	b.mu.RLock()
	subs := b.subscribers[event.TenantID]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy channels under the read lock to avoid holding it during sends.
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"tenant_id", event.TenantID,
				"event_id", event.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}
	close(ch)

	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers for a tenant.
func (b *Broadcaster) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}
