package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// PostSource distinguishes what triggered a receipt post, since the
// backend treats purchases, restores and renewals differently.
type PostSource string

const (
	PostSourcePurchase PostSource = "purchase"
	PostSourceRestore  PostSource = "restore"
	PostSourceRenewal  PostSource = "renewal"

	// PostSourceCustomerInfo marks a plain customer-info refresh. It shares
	// the cache-key space with receipt posts so concurrent refreshes for the
	// same user collapse into one outbound request.
	PostSourceCustomerInfo PostSource = "customer_info"
)

// ReceiptContext carries the purchase context of an outgoing post.
type ReceiptContext struct {
	AppUserID string     `json:"app_user_id"`
	Source    PostSource `json:"source"`
}

// CacheKey groups equivalent concurrent operations for deduplication. It is
// a value type compared by its fields, not a formatted string, so unrelated
// operations cannot collide by accident.
type CacheKey struct {
	AppUserID string
	Source    PostSource

	// TransactionFingerprint is a digest of the sorted transaction ID set.
	// Empty for operations that carry no transactions.
	TransactionFingerprint string
}

// NewCacheKey derives the key for a receipt post over the given
// transactions. The fingerprint is order-independent.
func NewCacheKey(appUserID string, source PostSource, transactions []Transaction) CacheKey {
	ids := make([]string, 0, len(transactions))
	for _, tx := range transactions {
		ids = append(ids, tx.ID)
	}
	sort.Strings(ids)

	var fingerprint string
	if len(ids) > 0 {
		sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
		fingerprint = hex.EncodeToString(sum[:])
	}

	return CacheKey{
		AppUserID:              appUserID,
		Source:                 source,
		TransactionFingerprint: fingerprint,
	}
}

// PostState is the lifecycle state of a pending receipt post.
type PostState string

const (
	PostStateQueued    PostState = "queued"
	PostStateInFlight  PostState = "in_flight"
	PostStateSucceeded PostState = "succeeded"
	PostStateFailed    PostState = "failed"
)

// PendingReceiptPost represents one outstanding attempt to report a set of
// purchases to the backend. At most one post per CacheKey is in flight at
// any time; that invariant is enforced by the operation deduplicator.
type PendingReceiptPost struct {
	Key            CacheKey       `json:"-"`
	TransactionIDs []string       `json:"transaction_ids"`
	Transactions   []Transaction  `json:"transactions"`
	Context        ReceiptContext `json:"context"`
	State          PostState      `json:"state"`
}
