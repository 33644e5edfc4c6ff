// ABOUTME: Credential broker resolving tenant-scoped secrets for workers on demand.
// ABOUTME: Lookups are bounded by a timeout and never expose values through logs.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownKey is returned by a Source when a requested key does not
// exist for the tenant.
var ErrUnknownKey = errors.New("credential key not found")

// Source supplies tenant-scoped credential values. The SQLite store
// implements it; tests use in-memory maps.
type Source interface {
	// Get returns the value for a single key.
	Get(ctx context.Context, tenantID, key string) (string, error)
	// List returns the tenant's full credential set.
	List(ctx context.Context, tenantID string) (map[string]string, error)
}

// Broker resolves credential requests from workers. Every resolution
// runs under a deadline so a slow source cannot stall a task
// assignment or a CREDENTIAL_REQUEST reply.
type Broker struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a broker over the given source. A non-positive timeout
// falls back to 5 seconds.
func New(source Source, timeout time.Duration, logger *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		source:  source,
		timeout: timeout,
		logger:  logger.With("component", "credentials"),
	}
}

// Resolve returns the requested credentials for a tenant. An empty key
// list means the tenant's full set. Keys that do not exist are simply
// absent from the result; only source failures and timeouts surface as
// errors. Log lines carry key names and counts, never values.
func (b *Broker) Resolve(ctx context.Context, tenantID string, keys []string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if len(keys) == 0 {
		all, err := b.source.List(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("listing credentials: %w", err)
		}
		b.logger.Debug("resolved full credential set", "tenant_id", tenantID, "count", len(all))
		return all, nil
	}

	resolved := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := b.source.Get(ctx, tenantID, key)
		if err != nil {
			if errors.Is(err, ErrUnknownKey) {
				b.logger.Debug("credential key missing", "tenant_id", tenantID, "key", key)
				continue
			}
			return nil, fmt.Errorf("resolving credential %q: %w", key, err)
		}
		resolved[key] = value
	}

	b.logger.Debug("resolved credentials", "tenant_id", tenantID,
		"requested", len(keys), "resolved", len(resolved))
	return resolved, nil
}
