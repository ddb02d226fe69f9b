package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"purchasekit/internal/backend"
	"purchasekit/internal/models"
	"purchasekit/internal/storage"
	"purchasekit/pkg/logging"
)

const productEntitlementMappingKey = "product_entitlement_mapping"

// mappingStaleAfter is how old a cached mapping may grow before an
// opportunistic refresh is attempted.
const mappingStaleAfter = 24 * time.Hour

// MappingFetcher caches the product-entitlement mapping the offline
// computer depends on. The mapping is fetched opportunistically while
// online, persisted, and overwritten wholesale on each successful fetch.
type MappingFetcher struct {
	client *backend.Client
	store  storage.Store

	mu      sync.RWMutex
	current *models.ProductEntitlementMapping

	refreshing sync.Mutex
}

// NewMappingFetcher creates a fetcher and loads any persisted mapping.
func NewMappingFetcher(client *backend.Client, store storage.Store) *MappingFetcher {
	f := &MappingFetcher{client: client, store: store}
	f.loadPersisted(context.Background())
	return f
}

// Current returns the cached mapping, or nil when none has ever been
// fetched.
func (f *MappingFetcher) Current() *models.ProductEntitlementMapping {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// RefreshIfStale fetches a fresh mapping when none is cached or the cached
// one has aged out. Intended to be called after any successful backend
// request; failures are logged and swallowed, since the cached copy stays
// valid.
func (f *MappingFetcher) RefreshIfStale(ctx context.Context) {
	current := f.Current()
	if current != nil && time.Since(current.FetchedAt) < mappingStaleAfter {
		return
	}

	// Only one refresh at a time.
	if !f.refreshing.TryLock() {
		return
	}
	defer f.refreshing.Unlock()

	mapping, err := f.client.GetProductEntitlementMapping(ctx)
	if err != nil {
		logging.Errorf("Failed to refresh product entitlement mapping: %v", err)
		return
	}

	f.mu.Lock()
	f.current = mapping
	f.mu.Unlock()

	data, err := json.Marshal(mapping)
	if err != nil {
		logging.Errorf("Failed to encode product entitlement mapping: %v", err)
		return
	}
	if err := f.store.Set(ctx, productEntitlementMappingKey, data); err != nil {
		logging.Errorf("Failed to persist product entitlement mapping: %v", err)
	}
	logging.Infof("Product entitlement mapping refreshed (%d products)", len(mapping.Products))
}

func (f *MappingFetcher) loadPersisted(ctx context.Context) {
	data, err := f.store.Get(ctx, productEntitlementMappingKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Errorf("Failed to read persisted product entitlement mapping: %v", err)
		}
		return
	}

	var mapping models.ProductEntitlementMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		logging.Errorf("Persisted product entitlement mapping is corrupt: %v", err)
		return
	}

	f.mu.Lock()
	f.current = &mapping
	f.mu.Unlock()
}
