package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"purchasekit/internal/backend"
	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"
	"purchasekit/internal/storage"
	"purchasekit/pkg/logging"
)

// PostResult is the outcome of a successful receipt post (online or
// offline).
type PostResult struct {
	CustomerInfo *models.CustomerInfoSnapshot

	// AckEligible lists transactions the caller may now acknowledge to the
	// platform. Empty for offline results: a purchase is acknowledged only
	// once the backend has durably recorded it.
	AckEligible []models.Transaction
}

// AckHandler receives transactions that became acknowledgment-eligible off
// any caller's request path, i.e. when an opportunistic retry of a retained
// post succeeds.
type AckHandler func(ctx context.Context, transactions []models.Transaction)

// ReceiptPoster builds and submits receipt posts, classifies responses and
// routes to the cache, the retry queue or the offline computer. All
// outbound work funnels through the operation deduplicator, so concurrent
// posts sharing a cache key issue exactly one network call.
type ReceiptPoster struct {
	client  *backend.Client
	dedup   *OperationDeduplicator
	cache   *CustomerInfoCache
	offline *OfflineEntitlementComputer
	mapping *MappingFetcher
	store   storage.Store
	ack     AckHandler

	mu      sync.Mutex
	history map[string][]models.Transaction
	pending []*models.PendingReceiptPost
}

// NewReceiptPoster wires the poster and installs it as the cache's fetcher.
func NewReceiptPoster(client *backend.Client, dedup *OperationDeduplicator, cache *CustomerInfoCache, offline *OfflineEntitlementComputer, mapping *MappingFetcher, store storage.Store) *ReceiptPoster {
	p := &ReceiptPoster{
		client:  client,
		dedup:   dedup,
		cache:   cache,
		offline: offline,
		mapping: mapping,
		store:   store,
		history: make(map[string][]models.Transaction),
	}
	cache.SetFetcher(p.FetchCustomerInfo)
	return p
}

// SetAckHandler installs the handler called when a retained post succeeds on
// retry. Must be set before Post is first called; without it, transactions
// recovered by the retry path are never acknowledged.
func (p *ReceiptPoster) SetAckHandler(ack AckHandler) {
	p.ack = ack
}

// Post reports the given transactions to the backend under rctx. When the
// backend is unreachable the caller is not failed: the result is an
// offline-derived snapshot, and the post is retained for opportunistic
// retry. Verification failures and structured 4xx errors are surfaced.
func (p *ReceiptPoster) Post(ctx context.Context, transactions []models.Transaction, rctx models.ReceiptContext) (*PostResult, error) {
	// Record the purchases locally first, so an offline snapshot computed
	// moments later already includes them.
	p.recordHistory(ctx, rctx.AppUserID, transactions)

	key := models.NewCacheKey(rctx.AppUserID, rctx.Source, transactions)
	post := &models.PendingReceiptPost{
		Key:            key,
		TransactionIDs: transactionIDs(transactions),
		Transactions:   transactions,
		Context:        rctx,
		State:          models.PostStateQueued,
	}

	snapshot, err := p.dedup.Submit(ctx, key, func(ctx context.Context) (*models.CustomerInfoSnapshot, error) {
		post.State = models.PostStateInFlight
		return p.client.PostReceipt(ctx, buildReceiptRequest(transactions, rctx))
	})

	if err == nil {
		post.State = models.PostStateSucceeded
		p.cache.Store(ctx, rctx.AppUserID, snapshot)
		p.afterSuccessfulRequest(ctx)

		// On success every posted transaction is processed by the backend,
		// consumables included, so all become acknowledgment-eligible.
		return &PostResult{CustomerInfo: snapshot, AckEligible: transactions}, nil
	}

	return p.classifyFailure(ctx, post, err)
}

// FetchCustomerInfo is the cache's network fetcher: a plain customer-info
// request with the same offline fallback as a receipt post.
func (p *ReceiptPoster) FetchCustomerInfo(ctx context.Context, appUserID string) (*models.CustomerInfoSnapshot, error) {
	snapshot, err := p.client.GetCustomerInfo(ctx, appUserID)
	if err == nil {
		p.afterSuccessfulRequest(ctx)
		return snapshot, nil
	}

	if sdkerr.HasCode(err, sdkerr.CodeNetwork) {
		return p.computeOffline(ctx, appUserID)
	}
	return nil, err
}

// classifyFailure routes one failed post according to the error taxonomy.
func (p *ReceiptPoster) classifyFailure(ctx context.Context, post *models.PendingReceiptPost, err error) (*PostResult, error) {
	sdkErr, ok := sdkerr.AsError(err)
	if !ok {
		post.State = models.PostStateFailed
		return nil, err
	}

	switch {
	case sdkErr.Code == sdkerr.CodeNetwork:
		// Backend unreachable: do not fail the caller. Divert to offline
		// computation and keep the post for opportunistic retry.
		post.State = models.PostStateFailed
		p.retainForRetry(post)

		snapshot, offErr := p.computeOffline(ctx, post.Context.AppUserID)
		if offErr != nil {
			return nil, offErr
		}
		return &PostResult{CustomerInfo: snapshot}, nil

	case sdkErr.Code == sdkerr.CodeSignatureVerification:
		// Response integrity failure: discard, never cache, never retry.
		post.State = models.PostStateFailed
		return nil, err

	case sdkErr.Retryable():
		post.State = models.PostStateFailed
		p.retainForRetry(post)
		return nil, err

	default:
		post.State = models.PostStateFailed
		return nil, err
	}
}

// computeOffline derives an offline snapshot from local history and writes
// it to the cache tagged as offline-derived. A later accepted online
// snapshot supersedes it.
func (p *ReceiptPoster) computeOffline(ctx context.Context, appUserID string) (*models.CustomerInfoSnapshot, error) {
	snapshot, err := p.offline.Compute(appUserID, p.localHistory(ctx, appUserID), p.mapping.Current())
	if err != nil {
		return nil, err
	}

	p.cache.Store(ctx, appUserID, snapshot)
	logging.Infof("Computed offline customer info for %s (%d entitlements)", appUserID, len(snapshot.Entitlements))
	return snapshot, nil
}

// afterSuccessfulRequest runs the opportunistic work that piggybacks on any
// successful request: retrying retained posts and refreshing the
// product-entitlement mapping. Both run off the caller's critical path.
func (p *ReceiptPoster) afterSuccessfulRequest(ctx context.Context) {
	retries := p.takePending()
	go func() {
		ctx := context.WithoutCancel(ctx)
		p.mapping.RefreshIfStale(ctx)
		for _, post := range retries {
			p.retryPost(ctx, post)
		}
	}()
}

// retryPost re-attempts one retained post. A fresh attempt under the same
// cache key is allowed because the original registration was removed on
// completion.
func (p *ReceiptPoster) retryPost(ctx context.Context, post *models.PendingReceiptPost) {
	snapshot, err := p.dedup.Submit(ctx, post.Key, func(ctx context.Context) (*models.CustomerInfoSnapshot, error) {
		post.State = models.PostStateInFlight
		return p.client.PostReceipt(ctx, buildReceiptRequest(post.Transactions, post.Context))
	})
	if err != nil {
		post.State = models.PostStateFailed
		if sdkErr, ok := sdkerr.AsError(err); ok && sdkErr.Retryable() {
			p.retainForRetry(post)
		}
		logging.Errorf("Opportunistic retry failed for %v: %v", post.TransactionIDs, err)
		return
	}

	post.State = models.PostStateSucceeded
	p.cache.Store(ctx, post.Context.AppUserID, snapshot)
	logging.Infof("Opportunistic retry succeeded for %v", post.TransactionIDs)

	// The backend has now durably recorded these transactions; they become
	// acknowledgment-eligible here, not when the original caller was told.
	if p.ack != nil {
		p.ack(ctx, post.Transactions)
	}
}

// retainForRetry queues a failed-but-retryable post, one entry per cache
// key.
func (p *ReceiptPoster) retainForRetry(post *models.PendingReceiptPost) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.pending {
		if existing.Key == post.Key {
			return
		}
	}
	p.pending = append(p.pending, post)
}

// takePending drains the retry queue.
func (p *ReceiptPoster) takePending() []*models.PendingReceiptPost {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := p.pending
	p.pending = nil
	return pending
}

// PendingCount returns the number of retained retryable posts.
func (p *ReceiptPoster) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// recordHistory merges transactions into the per-user local purchase
// history, in memory and on the persistent store.
func (p *ReceiptPoster) recordHistory(ctx context.Context, appUserID string, transactions []models.Transaction) {
	if len(transactions) == 0 {
		return
	}

	p.mu.Lock()
	known := p.loadHistoryLocked(ctx, appUserID)
	seen := make(map[string]bool, len(known))
	for _, tx := range known {
		seen[tx.ID] = true
	}
	for _, tx := range transactions {
		if !seen[tx.ID] {
			known = append(known, tx)
			seen[tx.ID] = true
		}
	}
	p.history[appUserID] = known
	p.mu.Unlock()

	data, err := json.Marshal(known)
	if err != nil {
		logging.Errorf("Failed to encode purchase history for %s: %v", appUserID, err)
		return
	}
	if err := p.store.Set(ctx, historyKey(appUserID), data); err != nil {
		logging.Errorf("Failed to persist purchase history for %s: %v", appUserID, err)
	}
}

// localHistory returns the locally known purchase history for appUserID.
func (p *ReceiptPoster) localHistory(ctx context.Context, appUserID string) []models.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadHistoryLocked(ctx, appUserID)
}

// History returns a copy of the locally known purchase history for
// appUserID, used by the restore flow.
func (p *ReceiptPoster) History(ctx context.Context, appUserID string) []models.Transaction {
	return append([]models.Transaction(nil), p.localHistory(ctx, appUserID)...)
}

// loadHistoryLocked reads history, falling back to the persisted copy.
// Callers hold p.mu.
func (p *ReceiptPoster) loadHistoryLocked(ctx context.Context, appUserID string) []models.Transaction {
	if history, ok := p.history[appUserID]; ok {
		return history
	}

	data, err := p.store.Get(ctx, historyKey(appUserID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Errorf("Failed to read purchase history for %s: %v", appUserID, err)
		}
		return nil
	}

	var history []models.Transaction
	if err := json.Unmarshal(data, &history); err != nil {
		logging.Errorf("Persisted purchase history for %s is corrupt: %v", appUserID, err)
		return nil
	}
	p.history[appUserID] = history
	return history
}

func buildReceiptRequest(transactions []models.Transaction, rctx models.ReceiptContext) *backend.ReceiptRequest {
	req := &backend.ReceiptRequest{
		AppUserID:    rctx.AppUserID,
		Source:       rctx.Source,
		Transactions: transactions,
	}
	for _, tx := range transactions {
		if tx.SignedPayload != "" {
			req.SignedPayloads = append(req.SignedPayloads, tx.SignedPayload)
		}
	}
	return req
}

func transactionIDs(transactions []models.Transaction) []string {
	ids := make([]string, 0, len(transactions))
	for _, tx := range transactions {
		ids = append(ids, tx.ID)
	}
	return ids
}

func historyKey(appUserID string) string {
	return "purchase_history:" + appUserID
}
