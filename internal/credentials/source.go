// ABOUTME: Store-backed credential source adapting the persistence layer to the broker.
// ABOUTME: Maps store sentinel errors onto the broker's key-miss contract.

package credentials

import (
	"context"
	"errors"

	"github.com/2389/fleet-gateway/internal/store"
)

// StoreSource serves credentials from the gateway's persistent store.
type StoreSource struct {
	store store.Store
}

// NewStoreSource wraps the store as a broker Source.
func NewStoreSource(s store.Store) *StoreSource {
	return &StoreSource{store: s}
}

func (s *StoreSource) Get(ctx context.Context, tenantID, key string) (string, error) {
	cred, err := s.store.GetCredential(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnknownKey
		}
		return "", err
	}
	return cred.Value, nil
}

func (s *StoreSource) List(ctx context.Context, tenantID string) (map[string]string, error) {
	creds, err := s.store.ListCredentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(creds))
	for _, cred := range creds {
		values[cred.Key] = cred.Value
	}
	return values, nil
}
