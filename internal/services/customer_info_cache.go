package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"purchasekit/internal/models"
	"purchasekit/internal/storage"
	"purchasekit/pkg/logging"
)

// ErrNoCachedCustomerInfo is returned by Get under FetchPolicyCacheOnly
// when neither memory nor the persistent store has a snapshot.
var ErrNoCachedCustomerInfo = errors.New("no cached customer info")

// FetchPolicy controls whether Get may serve cached state or must attempt
// the network.
type FetchPolicy int

const (
	// FetchPolicyCacheOnly serves memory, falling back to the persisted
	// copy. Never touches the network.
	FetchPolicyCacheOnly FetchPolicy = iota

	// FetchPolicyFetchCurrent forces a network attempt (with offline
	// fallback inside the fetcher).
	FetchPolicyFetchCurrent

	// FetchPolicyCachedOrFetched serves the cache when present and not
	// invalidated, and fetches otherwise.
	FetchPolicyCachedOrFetched
)

// FetchFunc fetches a fresh snapshot for one app user. The receipt poster
// installs a fetcher that goes online and diverts to offline computation
// when the backend is unreachable.
type FetchFunc func(ctx context.Context, appUserID string) (*models.CustomerInfoSnapshot, error)

// CustomerInfoCache holds the most-recently-known entitlement snapshot per
// app user, in memory and on the persistent store. Snapshot replacement is
// atomic; readers never observe a partially written snapshot.
type CustomerInfoCache struct {
	mu          sync.RWMutex
	memory      map[string]*models.CustomerInfoSnapshot
	invalidated map[string]bool

	store storage.Store
	dedup *OperationDeduplicator
	fetch FetchFunc
}

// NewCustomerInfoCache creates a cache over the given persistent store.
// Refreshes share dedup's cache-key space with receipt posts so concurrent
// refresh calls collapse into one outbound request.
func NewCustomerInfoCache(store storage.Store, dedup *OperationDeduplicator) *CustomerInfoCache {
	return &CustomerInfoCache{
		memory:      make(map[string]*models.CustomerInfoSnapshot),
		invalidated: make(map[string]bool),
		store:       store,
		dedup:       dedup,
	}
}

// SetFetcher installs the network fetcher. Must be called before any Get
// with a fetching policy.
func (c *CustomerInfoCache) SetFetcher(fetch FetchFunc) {
	c.fetch = fetch
}

// Get returns the snapshot for appUserID according to policy.
func (c *CustomerInfoCache) Get(ctx context.Context, appUserID string, policy FetchPolicy) (*models.CustomerInfoSnapshot, error) {
	switch policy {
	case FetchPolicyCacheOnly:
		if snapshot := c.cached(ctx, appUserID); snapshot != nil {
			return snapshot, nil
		}
		return nil, fmt.Errorf("%w for %s", ErrNoCachedCustomerInfo, appUserID)

	case FetchPolicyCachedOrFetched:
		c.mu.RLock()
		snapshot, ok := c.memory[appUserID]
		stale := c.invalidated[appUserID]
		c.mu.RUnlock()
		if ok && !stale {
			return snapshot, nil
		}
		if snapshot := c.cached(ctx, appUserID); snapshot != nil && !stale {
			return snapshot, nil
		}
		return c.refresh(ctx, appUserID)

	case FetchPolicyFetchCurrent:
		return c.refresh(ctx, appUserID)
	}

	return nil, fmt.Errorf("unknown fetch policy %d", policy)
}

// refresh performs one deduplicated fetch and stores the accepted result.
func (c *CustomerInfoCache) refresh(ctx context.Context, appUserID string) (*models.CustomerInfoSnapshot, error) {
	if c.fetch == nil {
		return nil, fmt.Errorf("customer info cache has no fetcher installed")
	}

	key := models.NewCacheKey(appUserID, models.PostSourceCustomerInfo, nil)
	snapshot, err := c.dedup.Submit(ctx, key, func(ctx context.Context) (*models.CustomerInfoSnapshot, error) {
		return c.fetch(ctx, appUserID)
	})
	if err != nil {
		return nil, err
	}

	c.Store(ctx, appUserID, snapshot)
	return snapshot, nil
}

// Store writes snapshot for appUserID when it supersedes the current one,
// and reports whether it was accepted. An accepted snapshot also replaces
// the persisted copy and clears any invalidation mark.
func (c *CustomerInfoCache) Store(ctx context.Context, appUserID string, snapshot *models.CustomerInfoSnapshot) bool {
	if snapshot == nil {
		return false
	}

	c.mu.Lock()
	current := c.memory[appUserID]
	if current == nil {
		current = c.loadPersistedLocked(ctx, appUserID)
	}
	if !snapshot.Supersedes(current) {
		c.mu.Unlock()
		logging.Debugf("Rejected stale snapshot for %s (request date %s)", appUserID, snapshot.RequestDate)
		return false
	}
	c.memory[appUserID] = snapshot
	delete(c.invalidated, appUserID)
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		logging.Errorf("Failed to encode customer info for %s: %v", appUserID, err)
		return true
	}
	if err := c.store.Set(ctx, customerInfoKey(appUserID), data); err != nil {
		logging.Errorf("Failed to persist customer info for %s: %v", appUserID, err)
	}
	return true
}

// Invalidate clears the in-memory copy only. The persisted copy remains as
// last-known-good until overwritten.
func (c *CustomerInfoCache) Invalidate(appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.memory, appUserID)
	c.invalidated[appUserID] = true
}

// cached returns the in-memory snapshot, falling back to the persisted copy
// (which is then loaded into memory).
func (c *CustomerInfoCache) cached(ctx context.Context, appUserID string) *models.CustomerInfoSnapshot {
	c.mu.RLock()
	snapshot, ok := c.memory[appUserID]
	c.mu.RUnlock()
	if ok {
		return snapshot
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if snapshot, ok := c.memory[appUserID]; ok {
		return snapshot
	}
	snapshot = c.loadPersistedLocked(ctx, appUserID)
	if snapshot != nil {
		c.memory[appUserID] = snapshot
	}
	return snapshot
}

// loadPersistedLocked reads the persisted snapshot. Callers hold c.mu.
func (c *CustomerInfoCache) loadPersistedLocked(ctx context.Context, appUserID string) *models.CustomerInfoSnapshot {
	data, err := c.store.Get(ctx, customerInfoKey(appUserID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Errorf("Failed to read persisted customer info for %s: %v", appUserID, err)
		}
		return nil
	}

	var snapshot models.CustomerInfoSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		logging.Errorf("Persisted customer info for %s is corrupt: %v", appUserID, err)
		return nil
	}
	return &snapshot
}

func customerInfoKey(appUserID string) string {
	return "customer_info:" + appUserID
}
