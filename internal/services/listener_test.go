package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"
	"purchasekit/internal/verification"
	"purchasekit/pkg/storesim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDelegate struct {
	mu       sync.Mutex
	observed []models.Transaction
}

func (d *recordingDelegate) OnTransactionsUpdated(transactions []models.Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed = append(d.observed, transactions...)
}

func (d *recordingDelegate) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.observed))
	for _, tx := range d.observed {
		ids = append(ids, tx.ID)
	}
	return ids
}

func newTestListener(t *testing.T) (*TransactionListener, *storesim.Source, *recordingDelegate, func() []string) {
	t.Helper()

	signer, err := storesim.NewSigner("PurchaseKit Test Root")
	require.NoError(t, err)
	source := storesim.NewSource(signer)
	verifier := verification.NewTransactionVerifier(signer.RootSubject, false)
	delegate := &recordingDelegate{}

	var mu sync.Mutex
	var handled []string
	handler := func(ctx context.Context, tx models.Transaction) {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, tx.ID)
	}
	handledIDs := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), handled...)
	}

	return NewTransactionListener(source, verifier, handler, delegate), source, delegate, handledIDs
}

func TestListener_StartIsIdempotentAndStopCancels(t *testing.T) {
	listener, _, _, _ := newTestListener(t)

	listener.Start()
	listener.Start() // no-op
	assert.False(t, listener.SubscriptionCancelled())

	listener.Stop()
	assert.True(t, listener.SubscriptionCancelled())

	// Stop is also idempotent.
	listener.Stop()
	assert.True(t, listener.SubscriptionCancelled())
}

func TestListener_StreamNotifiesDelegateOncePerTransaction(t *testing.T) {
	listener, source, delegate, _ := newTestListener(t)
	listener.Start()
	defer listener.Stop()

	tx, err := source.NewTransaction("monthly_pro", false, time.Hour)
	require.NoError(t, err)

	source.Deliver(tx)
	require.Eventually(t, func() bool {
		return len(delegate.ids()) == 1
	}, time.Second, time.Millisecond)

	// Redelivery of a terminal transaction is suppressed.
	source.Deliver(tx)

	other, err := source.NewTransaction("annual_pro", false, time.Hour)
	require.NoError(t, err)
	source.Deliver(other)

	require.Eventually(t, func() bool {
		return len(delegate.ids()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{tx.ID, other.ID}, delegate.ids())
}

func TestListener_StreamPreservesArrivalOrder(t *testing.T) {
	listener, source, delegate, _ := newTestListener(t)
	listener.Start()
	defer listener.Stop()

	var want []string
	for _, product := range []string{"p1", "p2", "p3", "p4"} {
		tx, err := source.NewTransaction(product, false, time.Hour)
		require.NoError(t, err)
		want = append(want, tx.ID)
		source.Deliver(tx)
	}

	require.Eventually(t, func() bool {
		return len(delegate.ids()) == len(want)
	}, time.Second, time.Millisecond)
	assert.Equal(t, want, delegate.ids())
}

func TestListener_StreamDropsUnverifiableTransactions(t *testing.T) {
	listener, source, delegate, handled := newTestListener(t)
	listener.Start()
	defer listener.Stop()

	tx, err := source.NewTransaction("monthly_pro", false, time.Hour)
	require.NoError(t, err)
	tx.SignedPayload = "not.a.payload"
	source.Deliver(tx)

	good, err := source.NewTransaction("annual_pro", false, time.Hour)
	require.NoError(t, err)
	source.Deliver(good)

	require.Eventually(t, func() bool {
		return len(delegate.ids()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{good.ID}, delegate.ids())
	assert.Equal(t, []string{good.ID}, handled())
}

func TestHandle_UserCancelled(t *testing.T) {
	listener, _, _, _ := newTestListener(t)

	tx, cancelled, err := listener.Handle(context.Background(), &models.PurchaseResult{
		State: models.PurchaseStateCancelled,
	})

	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Nil(t, tx)
}

func TestHandle_PendingPurchase(t *testing.T) {
	listener, _, _, _ := newTestListener(t)

	tx, cancelled, err := listener.Handle(context.Background(), &models.PurchaseResult{
		State: models.PurchaseStatePending,
	})

	require.Error(t, err)
	assert.True(t, sdkerr.HasCode(err, sdkerr.CodePaymentPending))
	assert.False(t, cancelled)
	assert.Nil(t, tx)
}

func TestHandle_VerificationFailure(t *testing.T) {
	listener, source, _, _ := newTestListener(t)

	original, err := source.NewTransaction("monthly_pro", false, time.Hour)
	require.NoError(t, err)
	original.SignedPayload = "tampered"

	tx, cancelled, err := listener.Handle(context.Background(), &models.PurchaseResult{
		State:       models.PurchaseStateSuccess,
		Transaction: &original,
	})

	require.Error(t, err)
	assert.True(t, sdkerr.HasCode(err, sdkerr.CodeStoreProblem))
	assert.False(t, cancelled)
	assert.Nil(t, tx)
}

func TestHandle_VerifiedPurchaseIsNotAcknowledged(t *testing.T) {
	listener, source, _, _ := newTestListener(t)

	result, err := source.Purchase(context.Background(), "monthly_pro")
	require.NoError(t, err)

	tx, cancelled, err := listener.Handle(context.Background(), result)
	require.NoError(t, err)
	assert.False(t, cancelled)
	require.NotNil(t, tx)
	assert.Equal(t, models.VerificationVerified, tx.Verification)

	// Acknowledgment stays with the caller: the listener must not finish.
	assert.Empty(t, source.Finished())
}
