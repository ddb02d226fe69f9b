package storesim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"purchasekit/internal/models"
	"purchasekit/internal/verification"

	"github.com/google/uuid"
)

// Source is a simulated TransactionSource for tests and local development.
// It signs transactions with its Signer, supports scripted purchase
// outcomes per product, and lets callers inject stream transactions
// (renewals, redeliveries) directly.
type Source struct {
	signer *Signer

	mu       sync.Mutex
	outcomes map[string]models.PurchaseState
	finished []string

	stream chan models.Transaction
}

// NewSource creates a source with the given signer. A nil signer produces
// unsigned transactions (pair with the verifier's allow-unverified mode).
func NewSource(signer *Signer) *Source {
	return &Source{
		signer:   signer,
		outcomes: make(map[string]models.PurchaseState),
		stream:   make(chan models.Transaction, 32),
	}
}

// ScriptOutcome makes subsequent purchases of productID resolve with the
// given state instead of success.
func (s *Source) ScriptOutcome(productID string, state models.PurchaseState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[productID] = state
}

// Purchase simulates the platform purchase flow for productID.
func (s *Source) Purchase(ctx context.Context, productID string) (*models.PurchaseResult, error) {
	s.mu.Lock()
	state, scripted := s.outcomes[productID]
	s.mu.Unlock()

	if scripted && state != models.PurchaseStateSuccess {
		return &models.PurchaseResult{State: state}, nil
	}

	tx, err := s.NewTransaction(productID, false, 0)
	if err != nil {
		return nil, err
	}
	return &models.PurchaseResult{State: models.PurchaseStateSuccess, Transaction: &tx}, nil
}

// NewTransaction builds a signed transaction for productID. expiresIn == 0
// produces a non-expiring purchase.
func (s *Source) NewTransaction(productID string, consumable bool, expiresIn time.Duration) (models.Transaction, error) {
	now := time.Now()
	tx := models.Transaction{
		ID:           uuid.NewString(),
		ProductID:    productID,
		PurchaseDate: now,
		Ownership:    models.OwnershipPurchased,
		Verification: models.VerificationUnverified,
		IsConsumable: consumable,
		Environment:  "sandbox",
	}
	tx.OriginalTransactionID = tx.ID
	if expiresIn > 0 {
		tx.ExpiresDate = now.Add(expiresIn)
	}

	if err := s.sign(&tx); err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

// Renew builds the renewal of an existing transaction: a fresh ID sharing
// the original transaction ID, purchased now.
func (s *Source) Renew(original models.Transaction, expiresIn time.Duration) (models.Transaction, error) {
	renewal := original
	renewal.ID = uuid.NewString()
	renewal.PurchaseDate = time.Now()
	renewal.Verification = models.VerificationUnverified
	if expiresIn > 0 {
		renewal.ExpiresDate = renewal.PurchaseDate.Add(expiresIn)
	}
	if renewal.OriginalTransactionID == "" {
		renewal.OriginalTransactionID = original.ID
	}

	if err := s.sign(&renewal); err != nil {
		return models.Transaction{}, err
	}
	return renewal, nil
}

func (s *Source) sign(tx *models.Transaction) error {
	if s.signer == nil {
		return nil
	}
	payload, err := s.signer.Sign(verification.SignedTransactionPayload{
		TransactionID:         tx.ID,
		OriginalTransactionID: tx.OriginalTransactionID,
		ProductID:             tx.ProductID,
		SignedDate:            time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	tx.SignedPayload = payload
	return nil
}

// Deliver injects a transaction into the update stream.
func (s *Source) Deliver(tx models.Transaction) {
	s.stream <- tx
}

// Updates returns the transaction stream. The returned channel closes when
// ctx is cancelled; the source itself stays usable for a later restart.
func (s *Source) Updates(ctx context.Context) <-chan models.Transaction {
	out := make(chan models.Transaction)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tx := <-s.stream:
				select {
				case out <- tx:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Finish records the acknowledgment of a transaction.
func (s *Source) Finish(ctx context.Context, transaction *models.Transaction) error {
	if transaction == nil {
		return fmt.Errorf("cannot finish a nil transaction")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, transaction.ID)
	return nil
}

// Finished returns the IDs acknowledged so far, in order.
func (s *Source) Finished() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finished...)
}
