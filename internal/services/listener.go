package services

import (
	"context"
	"sync"
	"sync/atomic"

	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"
	"purchasekit/internal/verification"
	"purchasekit/pkg/logging"
)

// TransactionSource is the platform-provided stream of purchase
// transactions plus a direct purchase-initiation call. Not owned by the
// SDK core.
type TransactionSource interface {
	// Purchase initiates a purchase through the platform UI.
	Purchase(ctx context.Context, productID string) (*models.PurchaseResult, error)

	// Updates returns the transaction stream (live purchases, restores and
	// background renewals). The channel closes when ctx is cancelled.
	Updates(ctx context.Context) <-chan models.Transaction

	// Finish acknowledges a transaction to the platform. Called by the
	// SDK's caller, never by the core.
	Finish(ctx context.Context, transaction *models.Transaction) error
}

// TransactionDelegate receives transaction notifications, at most once per
// distinct transaction identifier per listener session.
type TransactionDelegate interface {
	OnTransactionsUpdated(transactions []models.Transaction)
}

// StreamHandler routes a verified stream transaction onwards (to the
// receipt poster). Errors are the handler's to deal with; the listener
// keeps consuming either way.
type StreamHandler func(ctx context.Context, transaction models.Transaction)

// TransactionListener subscribes to the TransactionSource's update stream
// for the lifetime of the SDK session. Every transaction, whether from a
// live purchase, a restore or a background renewal, passes through the
// verification gate before anyone else sees it.
type TransactionListener struct {
	source   TransactionSource
	verifier *verification.TransactionVerifier
	handler  StreamHandler
	delegate TransactionDelegate

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	// terminal records transaction IDs fully handled this session. A
	// redelivered ID is suppressed only once terminal.
	terminal map[string]bool

	subscriptionCancelled atomic.Bool
}

// NewTransactionListener creates a listener. handler and delegate may be
// nil.
func NewTransactionListener(source TransactionSource, verifier *verification.TransactionVerifier, handler StreamHandler, delegate TransactionDelegate) *TransactionListener {
	return &TransactionListener{
		source:   source,
		verifier: verifier,
		handler:  handler,
		delegate: delegate,
		terminal: make(map[string]bool),
	}
}

// Start begins consuming the update stream on a single dedicated goroutine.
// Calling Start while already started is a no-op.
func (l *TransactionListener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true
	l.subscriptionCancelled.Store(false)

	updates := l.source.Updates(ctx)
	go l.consume(ctx, updates)

	logging.Infof("Transaction listener started")
}

// Stop cancels the stream subscription. Handling of an already-dequeued
// transaction is allowed to complete.
func (l *TransactionListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}

	l.cancel()
	l.running = false
	l.subscriptionCancelled.Store(true)

	logging.Infof("Transaction listener stopped")
}

// SubscriptionCancelled reports whether the stream subscription has been
// cancelled.
func (l *TransactionListener) SubscriptionCancelled() bool {
	return l.subscriptionCancelled.Load()
}

// consume processes stream transactions in arrival order.
func (l *TransactionListener) consume(ctx context.Context, updates <-chan models.Transaction) {
	defer l.subscriptionCancelled.Store(true)

	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-updates:
			if !ok {
				return
			}
			l.handleStreamTransaction(ctx, tx)
		}
	}
}

// handleStreamTransaction verifies one stream transaction, routes it to the
// handler and notifies the delegate. Delegate notifications for distinct
// transactions are delivered in stream order.
func (l *TransactionListener) handleStreamTransaction(ctx context.Context, tx models.Transaction) {
	l.mu.Lock()
	if l.terminal[tx.ID] {
		l.mu.Unlock()
		logging.Debugf("Suppressing redelivered transaction %s", tx.ID)
		return
	}
	l.mu.Unlock()

	if _, err := l.verifier.VerifyTransaction(tx.ID, tx.SignedPayload); err != nil {
		// Not terminal: the platform may redeliver with a fresh payload.
		logging.Errorf("Stream transaction %s failed verification: %v", tx.ID, err)
		return
	}
	tx.Verification = models.VerificationVerified

	if l.handler != nil {
		l.handler(ctx, tx)
	}

	l.mu.Lock()
	l.terminal[tx.ID] = true
	l.mu.Unlock()

	if l.delegate != nil {
		l.delegate.OnTransactionsUpdated([]models.Transaction{tx})
	}
}

// Handle processes a directly-initiated purchase result. It returns the
// verified transaction and a cancellation flag. The listener never
// acknowledges the transaction; acknowledgment is the caller's
// responsibility once the backend (or the offline path) has durably
// recorded it, so a purchase can never be acknowledged and lost.
func (l *TransactionListener) Handle(ctx context.Context, result *models.PurchaseResult) (*models.Transaction, bool, error) {
	if result == nil {
		return nil, false, sdkerr.New(sdkerr.CodeStoreProblem, "purchase produced no result")
	}

	switch result.State {
	case models.PurchaseStateCancelled:
		return nil, true, nil

	case models.PurchaseStatePending:
		return nil, false, sdkerr.New(sdkerr.CodePaymentPending, "purchase is pending external approval")

	case models.PurchaseStateSuccess:
		if result.Transaction == nil {
			return nil, false, sdkerr.New(sdkerr.CodeStoreProblem, "purchase succeeded without a transaction")
		}

		tx := *result.Transaction
		if _, err := l.verifier.VerifyTransaction(tx.ID, tx.SignedPayload); err != nil {
			tx.Verification = models.VerificationFailed
			return nil, false, sdkerr.Wrap(sdkerr.CodeStoreProblem, "transaction verification failed", err)
		}
		tx.Verification = models.VerificationVerified

		l.mu.Lock()
		l.terminal[tx.ID] = true
		l.mu.Unlock()

		return &tx, false, nil
	}

	return nil, false, sdkerr.New(sdkerr.CodeStoreProblem, "unknown purchase state "+string(result.State))
}
