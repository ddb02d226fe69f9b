package models

import (
	"time"
)

// OwnershipState describes whether the user still owns a purchase.
type OwnershipState string

const (
	OwnershipPurchased OwnershipState = "purchased"
	OwnershipRevoked   OwnershipState = "revoked"
)

// VerificationState tracks whether a transaction's signature has been
// checked and with what outcome.
type VerificationState string

const (
	VerificationUnverified VerificationState = "unverified"
	VerificationVerified   VerificationState = "verified"
	VerificationFailed     VerificationState = "verification_failed"
)

// Transaction represents one purchase event as seen by the platform.
// Transactions are read-only to the SDK core; a renewal produces a new
// transaction with a fresh ID sharing OriginalTransactionID.
type Transaction struct {
	// ID is platform-unique and stable per purchase event.
	ID string `json:"transaction_id"`

	// OriginalTransactionID groups renewals to their origin transaction.
	OriginalTransactionID string `json:"original_transaction_id"`

	ProductID    string    `json:"product_id"`
	PurchaseDate time.Time `json:"purchase_date"`

	// ExpiresDate is zero for purchases that never expire.
	ExpiresDate time.Time `json:"expires_date,omitempty"`

	Ownership    OwnershipState    `json:"ownership_state"`
	Verification VerificationState `json:"verification"`

	// IsConsumable marks purchases whose redemption state is
	// backend-authoritative and cannot be derived locally.
	IsConsumable bool `json:"is_consumable"`

	Environment string `json:"environment,omitempty"` // sandbox or production

	// SignedPayload carries the platform's signed proof for this
	// transaction (JWS). It is what gets reported to the backend.
	SignedPayload string `json:"signed_payload,omitempty"`
}

// IsExpired reports whether the transaction's entitlement window has
// closed at the given instant. Non-expiring purchases never expire.
func (t *Transaction) IsExpired(now time.Time) bool {
	return !t.ExpiresDate.IsZero() && t.ExpiresDate.Before(now)
}

// PurchaseState classifies the immediate outcome of a purchase call.
type PurchaseState string

const (
	PurchaseStateSuccess   PurchaseState = "success"
	PurchaseStateCancelled PurchaseState = "cancelled"
	PurchaseStatePending   PurchaseState = "pending"
)

// PurchaseResult is what the platform returns from a directly-initiated
// purchase, before the SDK has verified or reported anything.
type PurchaseResult struct {
	State       PurchaseState `json:"state"`
	Transaction *Transaction  `json:"transaction,omitempty"`
}
