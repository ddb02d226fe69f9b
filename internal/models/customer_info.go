package models

import (
	"time"
)

// CustomerInfoSchemaVersion is the schema version written into snapshots
// produced by this SDK version.
const CustomerInfoSchemaVersion = 3

// Entitlement is one named access right and its activation window.
type Entitlement struct {
	Identifier   string    `json:"identifier"`
	ProductID    string    `json:"product_id"`
	IsActive     bool      `json:"is_active"`
	PurchaseDate time.Time `json:"purchase_date"`

	// ExpiresDate is zero for entitlements unlocked by non-expiring
	// purchases.
	ExpiresDate time.Time `json:"expires_date,omitempty"`
}

// NonSubscriptionPurchase records a consumable or non-renewing purchase.
type NonSubscriptionPurchase struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	PurchaseDate  time.Time `json:"purchase_date"`
}

// CustomerInfoSnapshot is the entitlement state shown to the application.
// Snapshots are replaced wholesale, never patched field-by-field.
type CustomerInfoSnapshot struct {
	AppUserID        string                    `json:"app_user_id"`
	Entitlements     map[string]Entitlement    `json:"entitlements"`
	NonSubscriptions []NonSubscriptionPurchase `json:"non_subscriptions"`
	RequestDate      time.Time                 `json:"request_date"`
	SchemaVersion    int                       `json:"schema_version"`

	// IsComputedOffline marks snapshots derived locally while the backend
	// was unreachable. The next accepted online snapshot clears it.
	IsComputedOffline bool `json:"is_computed_offline"`
}

// ActiveEntitlements returns the identifiers of entitlements active at the
// given instant, for convenience in callers and tests.
func (s *CustomerInfoSnapshot) ActiveEntitlements(now time.Time) []string {
	var active []string
	for id, ent := range s.Entitlements {
		if ent.IsActive && (ent.ExpiresDate.IsZero() || ent.ExpiresDate.After(now)) {
			active = append(active, id)
		}
	}
	return active
}

// Supersedes reports whether this snapshot should replace current in the
// cache. An online snapshot replaces an offline one with an equal or later
// request date; between two online snapshots the newer wins; an offline
// snapshot never replaces an online one unless strictly newer. Online is
// preferred at equal timestamps.
func (s *CustomerInfoSnapshot) Supersedes(current *CustomerInfoSnapshot) bool {
	if current == nil {
		return true
	}
	if current.IsComputedOffline && !s.IsComputedOffline {
		return !s.RequestDate.Before(current.RequestDate)
	}
	if !current.IsComputedOffline && s.IsComputedOffline {
		return s.RequestDate.After(current.RequestDate)
	}
	return !s.RequestDate.Before(current.RequestDate)
}
