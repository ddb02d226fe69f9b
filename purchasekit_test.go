package purchasekit_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"purchasekit"
	"purchasekit/internal/api"
	"purchasekit/internal/config"
	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"
	"purchasekit/internal/storage"
	"purchasekit/pkg/storesim"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const e2eSecret = "e2e-signature-secret"

type collectingDelegate struct {
	mu       sync.Mutex
	observed []models.Transaction
}

func (d *collectingDelegate) OnTransactionsUpdated(transactions []models.Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed = append(d.observed, transactions...)
}

func (d *collectingDelegate) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observed)
}

type e2eHarness struct {
	client   *purchasekit.Client
	source   *storesim.Source
	delegate *collectingDelegate
}

// newE2EHarness wires a full SDK client against an in-process dev backend.
// seedMapping persists a product-entitlement mapping before the client
// starts, so the offline computer works from the first request.
func newE2EHarness(t *testing.T, appUserID string, seedMapping bool) *e2eHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	serverCfg := &config.Config{SignatureSecret: e2eSecret}
	r := gin.New()
	api.NewServer(serverCfg).SetupRoutes(r, serverCfg)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	signer, err := storesim.NewSigner("PurchaseKit Test Root")
	require.NoError(t, err)
	source := storesim.NewSource(signer)
	delegate := &collectingDelegate{}

	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "purchasekit.db")
	if seedMapping {
		store, err := storage.OpenGormStore(databaseURL)
		require.NoError(t, err)
		data, err := json.Marshal(models.ProductEntitlementMapping{
			Products: map[string][]string{
				"monthly_pro":  {"pro"},
				"annual_pro":   {"pro"},
				"lifetime_pro": {"pro", "early_adopter"},
			},
			FetchedAt: time.Now(),
		})
		require.NoError(t, err)
		require.NoError(t, store.Set(context.Background(), "product_entitlement_mapping", data))
	}

	cfg := &purchasekit.Config{
		BackendURL:                 srv.URL,
		SignatureSecret:            e2eSecret,
		RequestTimeoutSeconds:      5,
		DatabaseURL:                databaseURL,
		OfflineEntitlementsEnabled: true,
		VerificationRootSubject:    signer.RootSubject,
	}

	client, err := purchasekit.New(cfg, appUserID, source, delegate)
	require.NoError(t, err)
	client.Start()
	t.Cleanup(client.Close)

	return &e2eHarness{client: client, source: source, delegate: delegate}
}

func TestPurchaseGrantsEntitlementAndFinishesOnce(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	ctx := context.Background()

	outcome, err := h.client.Purchase(ctx, "monthly_pro")
	require.NoError(t, err)
	assert.False(t, outcome.UserCancelled)
	require.NotNil(t, outcome.Transaction)
	require.NotNil(t, outcome.CustomerInfo)

	assert.False(t, outcome.CustomerInfo.IsComputedOffline)
	require.Contains(t, outcome.CustomerInfo.Entitlements, "pro")
	assert.True(t, outcome.CustomerInfo.Entitlements["pro"].IsActive)

	// The backend recorded the purchase, so it was acknowledged exactly
	// once.
	assert.Equal(t, []string{outcome.Transaction.ID}, h.source.Finished())

	// The snapshot is now served from the cache without the network.
	cached, err := h.client.GetCustomerInfo(ctx, purchasekit.FetchPolicyCacheOnly)
	require.NoError(t, err)
	assert.Contains(t, cached.Entitlements, "pro")
}

func TestCancelledPurchaseIsNotAnError(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	h.source.ScriptOutcome("monthly_pro", models.PurchaseStateCancelled)

	outcome, err := h.client.Purchase(context.Background(), "monthly_pro")
	require.NoError(t, err)
	assert.True(t, outcome.UserCancelled)
	assert.Empty(t, h.source.Finished())
}

func TestPendingPurchaseSurfacesPaymentPending(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	h.source.ScriptOutcome("monthly_pro", models.PurchaseStatePending)

	_, err := h.client.Purchase(context.Background(), "monthly_pro")
	require.Error(t, err)
	assert.True(t, sdkerr.HasCode(err, sdkerr.CodePaymentPending))
}

func TestOfflinePurchaseRecoversWhenBackendReturns(t *testing.T) {
	h := newE2EHarness(t, "user-1", true)
	ctx := context.Background()

	first, err := h.client.Purchase(ctx, "monthly_pro")
	require.NoError(t, err)
	require.Contains(t, first.CustomerInfo.Entitlements, "pro")

	// Purchase while unreachable: the caller still gets an entitlement
	// snapshot, offline-derived, and nothing is acknowledged yet.
	h.client.SetBackendForcedDown(true)
	outcome, err := h.client.Purchase(ctx, "lifetime_pro")
	require.NoError(t, err)
	assert.True(t, outcome.CustomerInfo.IsComputedOffline)
	assert.Contains(t, outcome.CustomerInfo.Entitlements, "early_adopter")
	assert.NotContains(t, h.source.Finished(), outcome.Transaction.ID)

	// Connectivity returns; the next successful request retries the
	// retained post and the cache converges to the backend's view.
	h.client.SetBackendForcedDown(false)
	_, err = h.client.GetCustomerInfo(ctx, purchasekit.FetchPolicyFetchCurrent)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cached, err := h.client.GetCustomerInfo(ctx, purchasekit.FetchPolicyCacheOnly)
		if err != nil || cached.IsComputedOffline {
			return false
		}
		_, ok := cached.Entitlements["early_adopter"]
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	// The retried post durably recorded the offline purchase, so it becomes
	// acknowledgment-eligible now — exactly once.
	require.Eventually(t, func() bool {
		return finishCount(h.source.Finished(), outcome.Transaction.ID) == 1
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, finishCount(h.source.Finished(), outcome.Transaction.ID))
}

// finishCount counts acknowledgments of one transaction ID.
func finishCount(finished []string, id string) int {
	n := 0
	for _, f := range finished {
		if f == id {
			n++
		}
	}
	return n
}

func TestBackgroundRenewalFlowsThroughStream(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	ctx := context.Background()

	outcome, err := h.client.Purchase(ctx, "monthly_pro")
	require.NoError(t, err)

	renewal, err := h.source.Renew(*outcome.Transaction, time.Hour)
	require.NoError(t, err)
	h.source.Deliver(renewal)

	// The renewal is verified, posted and acknowledged in the background,
	// and the delegate hears about it.
	require.Eventually(t, func() bool {
		return h.delegate.count() == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		finished := h.source.Finished()
		return len(finished) == 2 && finished[1] == renewal.ID
	}, 2*time.Second, 20*time.Millisecond)

	// A redelivery of the same renewal is suppressed.
	h.source.Deliver(renewal)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.delegate.count())
	assert.Len(t, h.source.Finished(), 2)
}

func TestRestoreRepostsLocalHistory(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	ctx := context.Background()

	first, err := h.client.Purchase(ctx, "monthly_pro")
	require.NoError(t, err)
	second, err := h.client.Purchase(ctx, "lifetime_pro")
	require.NoError(t, err)

	snapshot, err := h.client.RestorePurchases(ctx)
	require.NoError(t, err)
	assert.Contains(t, snapshot.Entitlements, "pro")
	assert.Contains(t, snapshot.Entitlements, "early_adopter")

	// The restore re-posts already-acknowledged transactions; they must not
	// be finished a second time.
	assert.Equal(t, 1, finishCount(h.source.Finished(), first.Transaction.ID))
	assert.Equal(t, 1, finishCount(h.source.Finished(), second.Transaction.ID))
}

func TestLogInConcurrentWithStreamHandling(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	ctx := context.Background()

	outcome, err := h.client.Purchase(ctx, "monthly_pro")
	require.NoError(t, err)

	// Renewals arrive on the stream while the app switches users. Run with
	// the race detector to catch unsynchronized app-user-id access.
	const renewals = 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < renewals; i++ {
			renewal, err := h.source.Renew(*outcome.Transaction, time.Hour)
			if err != nil {
				return
			}
			h.source.Deliver(renewal)
		}
	}()

	for i := 0; i < renewals; i++ {
		require.NoError(t, h.client.LogIn("user-2"))
		require.NoError(t, h.client.LogIn("user-1"))
	}
	<-done

	require.Eventually(t, func() bool {
		return h.delegate.count() == renewals
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLogInSwitchesUsers(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	ctx := context.Background()

	_, err := h.client.Purchase(ctx, "monthly_pro")
	require.NoError(t, err)

	require.NoError(t, h.client.LogIn("user-2"))

	// The new user starts with the backend's (empty) view, not user-1's.
	snapshot, err := h.client.GetCustomerInfo(ctx, purchasekit.FetchPolicyFetchCurrent)
	require.NoError(t, err)
	assert.Equal(t, "user-2", snapshot.AppUserID)
	assert.Empty(t, snapshot.Entitlements)
}

func TestInvalidateForcesRefetchOnCachedOrFetched(t *testing.T) {
	h := newE2EHarness(t, "user-1", false)
	ctx := context.Background()

	_, err := h.client.Purchase(ctx, "monthly_pro")
	require.NoError(t, err)

	h.client.InvalidateCustomerInfoCache()

	snapshot, err := h.client.GetCustomerInfo(ctx, purchasekit.FetchPolicyCachedOrFetched)
	require.NoError(t, err)
	assert.False(t, snapshot.IsComputedOffline)
	assert.Contains(t, snapshot.Entitlements, "pro")
}
