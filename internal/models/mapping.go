package models

import (
	"time"
)

// ProductEntitlementMapping is the cached table from product identifier to
// the entitlement identifiers it unlocks. It is fetched opportunistically
// while online, overwritten wholesale on each successful fetch and never
// partially merged. Its absence makes offline computation impossible.
type ProductEntitlementMapping struct {
	// Products maps a product identifier to the entitlements it unlocks.
	Products map[string][]string `json:"products"`

	FetchedAt time.Time `json:"fetched_at"`
}

// EntitlementsForProduct returns the entitlement identifiers unlocked by
// the given product, and whether the product is mapped at all.
func (m *ProductEntitlementMapping) EntitlementsForProduct(productID string) ([]string, bool) {
	if m == nil || m.Products == nil {
		return nil, false
	}
	ids, ok := m.Products[productID]
	return ids, ok
}
