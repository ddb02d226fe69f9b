// Package purchasekit is a client-side purchase-receipt synchronization
// engine. It reconciles purchase events from a platform transaction source
// with a remote entitlement backend, deduplicates concurrent receipt posts,
// caches the resulting entitlement snapshots and serves an offline-derived
// view when the backend is unreachable.
package purchasekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"purchasekit/internal/backend"
	"purchasekit/internal/config"
	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"
	"purchasekit/internal/services"
	"purchasekit/internal/storage"
	"purchasekit/internal/verification"
	"purchasekit/pkg/logging"
)

// Re-exported types forming the public surface of the SDK.
type (
	Config                    = config.Config
	Transaction               = models.Transaction
	PurchaseResult            = models.PurchaseResult
	CustomerInfoSnapshot      = models.CustomerInfoSnapshot
	Entitlement               = models.Entitlement
	ProductEntitlementMapping = models.ProductEntitlementMapping
	ReceiptContext            = models.ReceiptContext
	FetchPolicy               = services.FetchPolicy
	TransactionSource         = services.TransactionSource
	TransactionDelegate       = services.TransactionDelegate
	Error                     = sdkerr.Error
	ErrorCode                 = sdkerr.Code
)

const (
	FetchPolicyCacheOnly       = services.FetchPolicyCacheOnly
	FetchPolicyFetchCurrent    = services.FetchPolicyFetchCurrent
	FetchPolicyCachedOrFetched = services.FetchPolicyCachedOrFetched
)

// LoadConfig reads SDK configuration from the environment (and .env).
func LoadConfig() (*Config, error) {
	return config.Load()
}

// PurchaseOutcome is the result of a completed purchase call.
type PurchaseOutcome struct {
	// UserCancelled is set when the user dismissed the platform purchase
	// UI. Not an error.
	UserCancelled bool

	Transaction  *Transaction
	CustomerInfo *CustomerInfoSnapshot
}

// Client is the explicitly constructed SDK context: it owns the transaction
// listener, the customer-info cache, the operation deduplicator and the
// receipt poster, and is passed by reference to collaborators. There is no
// process-wide singleton.
type Client struct {
	cfg *Config

	// mu guards appUserID (read on the listener goroutine, written by
	// LogIn) and finished (acknowledged transaction IDs, so a transaction
	// reported eligible by more than one path is finished at most once).
	mu        sync.RWMutex
	appUserID string
	finished  map[string]bool

	source   TransactionSource
	store    storage.Store
	backend  *backend.Client
	dedup    *services.OperationDeduplicator
	cache    *services.CustomerInfoCache
	offline  *services.OfflineEntitlementComputer
	mapping  *services.MappingFetcher
	poster   *services.ReceiptPoster
	listener *services.TransactionListener
}

// New constructs a Client for the given app user. delegate may be nil.
func New(cfg *Config, appUserID string, source TransactionSource, delegate TransactionDelegate) (*Client, error) {
	if appUserID == "" {
		return nil, fmt.Errorf("app user id is required")
	}
	if source == nil {
		return nil, fmt.Errorf("transaction source is required")
	}

	logging.InitLogging(cfg.Mode == "debug")

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	backendClient := backend.NewClient(cfg.BackendURL, cfg.APIKey, cfg.SignatureSecret,
		time.Duration(cfg.RequestTimeoutSeconds)*time.Second)
	verifier := verification.NewTransactionVerifier(cfg.VerificationRootSubject, cfg.AllowUnverified)

	dedup := services.NewOperationDeduplicator()
	offline := services.NewOfflineEntitlementComputer()
	if !cfg.OfflineEntitlementsEnabled {
		offline.Disable()
	}
	mapping := services.NewMappingFetcher(backendClient, store)
	cache := services.NewCustomerInfoCache(store, dedup)
	poster := services.NewReceiptPoster(backendClient, dedup, cache, offline, mapping, store)

	c := &Client{
		cfg:       cfg,
		appUserID: appUserID,
		finished:  make(map[string]bool),
		source:    source,
		store:     store,
		backend:   backendClient,
		dedup:     dedup,
		cache:     cache,
		offline:   offline,
		mapping:   mapping,
		poster:    poster,
	}

	poster.SetAckHandler(c.finishEligible)
	c.listener = services.NewTransactionListener(source, verifier, c.handleStreamTransaction, delegate)
	return c, nil
}

func openStore(cfg *Config) (storage.Store, error) {
	switch cfg.CacheStore {
	case "redis":
		return storage.OpenRedisStore(cfg.RedisURL)
	case "", "gorm":
		return storage.OpenGormStore(cfg.DatabaseURL)
	}
	return nil, fmt.Errorf("unknown cache store %q", cfg.CacheStore)
}

// Start begins listening to the transaction source's update stream.
func (c *Client) Start() {
	c.listener.Start()
}

// Close stops the stream subscription. In-flight handling of an already
// dequeued transaction completes independently.
func (c *Client) Close() {
	c.listener.Stop()
}

// currentAppUserID returns the app user the client is operating as.
func (c *Client) currentAppUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appUserID
}

// handleStreamTransaction posts a verified background-stream transaction
// (renewal, restore delivered out of band) and acknowledges it when the
// backend durably recorded it.
func (c *Client) handleStreamTransaction(ctx context.Context, tx models.Transaction) {
	result, err := c.poster.Post(ctx, []models.Transaction{tx}, models.ReceiptContext{
		AppUserID: c.currentAppUserID(),
		Source:    models.PostSourceRenewal,
	})
	if err != nil {
		logging.Errorf("Failed to post stream transaction %s: %v", tx.ID, err)
		return
	}
	c.finishEligible(ctx, result.AckEligible)
}

// Purchase initiates a purchase, verifies and reports the transaction, and
// acknowledges it once durably recorded. When the backend is unreachable
// the returned snapshot is offline-derived and acknowledgment is deferred
// to the opportunistic retry.
func (c *Client) Purchase(ctx context.Context, productID string) (*PurchaseOutcome, error) {
	purchaseResult, err := c.source.Purchase(ctx, productID)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.CodeStoreProblem, "platform purchase failed", err)
	}

	tx, cancelled, err := c.listener.Handle(ctx, purchaseResult)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return &PurchaseOutcome{UserCancelled: true}, nil
	}

	result, err := c.poster.Post(ctx, []models.Transaction{*tx}, models.ReceiptContext{
		AppUserID: c.currentAppUserID(),
		Source:    models.PostSourcePurchase,
	})
	if err != nil {
		return nil, err
	}

	c.finishEligible(ctx, result.AckEligible)
	return &PurchaseOutcome{Transaction: tx, CustomerInfo: result.CustomerInfo}, nil
}

// RestorePurchases re-posts the full locally known purchase history under a
// restore context and returns the resulting snapshot.
func (c *Client) RestorePurchases(ctx context.Context) (*CustomerInfoSnapshot, error) {
	appUserID := c.currentAppUserID()
	history := c.poster.History(ctx, appUserID)
	if len(history) == 0 {
		return c.GetCustomerInfo(ctx, FetchPolicyFetchCurrent)
	}

	result, err := c.poster.Post(ctx, history, models.ReceiptContext{
		AppUserID: appUserID,
		Source:    models.PostSourceRestore,
	})
	if err != nil {
		return nil, err
	}
	c.finishEligible(ctx, result.AckEligible)
	return result.CustomerInfo, nil
}

// GetCustomerInfo returns the entitlement snapshot for the current app user
// according to policy.
func (c *Client) GetCustomerInfo(ctx context.Context, policy FetchPolicy) (*CustomerInfoSnapshot, error) {
	return c.cache.Get(ctx, c.currentAppUserID(), policy)
}

// InvalidateCustomerInfoCache clears the in-memory snapshot for the current
// app user. The persisted copy remains as last-known-good.
func (c *Client) InvalidateCustomerInfoCache() {
	c.cache.Invalidate(c.currentAppUserID())
}

// LogIn switches the client to a different app user. The previous user's
// in-memory snapshot is invalidated.
func (c *Client) LogIn(appUserID string) error {
	if appUserID == "" {
		return fmt.Errorf("app user id is required")
	}

	c.mu.Lock()
	if appUserID == c.appUserID {
		c.mu.Unlock()
		return nil
	}
	previous := c.appUserID
	c.appUserID = appUserID
	c.mu.Unlock()

	c.cache.Invalidate(previous)
	return nil
}

// SetBackendForcedDown marks the backend unreachable regardless of actual
// connectivity, forcing the offline path.
func (c *Client) SetBackendForcedDown(down bool) {
	c.backend.SetForcedDown(down)
}

// finishEligible acknowledges transactions the backend has durably
// recorded. The core never acknowledges on its own; this happens here, in
// the SDK surface, only after a successful post. A transaction reported
// eligible by more than one path (deduplicated concurrent posts, a restore
// re-posting history, the opportunistic retry) is finished at most once.
func (c *Client) finishEligible(ctx context.Context, eligible []models.Transaction) {
	for i := range eligible {
		tx := &eligible[i]

		c.mu.Lock()
		if c.finished[tx.ID] {
			c.mu.Unlock()
			continue
		}
		c.finished[tx.ID] = true
		c.mu.Unlock()

		if err := c.source.Finish(ctx, tx); err != nil {
			logging.Errorf("Failed to finish transaction %s: %v", tx.ID, err)
		}
	}
}
