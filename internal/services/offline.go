package services

import (
	"sync/atomic"
	"time"

	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"
	"purchasekit/pkg/logging"
)

// OfflineEntitlementComputer derives an entitlement snapshot from locally
// known purchase history and the cached product-entitlement mapping,
// without contacting the network.
type OfflineEntitlementComputer struct {
	// disabled flips when a consumable is found in history. Consumable
	// redemption state is backend-authoritative, so offline mode stays off
	// for the remainder of the session.
	disabled atomic.Bool

	now func() time.Time
}

// NewOfflineEntitlementComputer creates a computer using the wall clock.
func NewOfflineEntitlementComputer() *OfflineEntitlementComputer {
	return &OfflineEntitlementComputer{now: time.Now}
}

// Enabled reports whether offline computation is still available this
// session.
func (c *OfflineEntitlementComputer) Enabled() bool {
	return !c.disabled.Load()
}

// Disable turns offline computation off for the remainder of the session.
func (c *OfflineEntitlementComputer) Disable() {
	c.disabled.Store(true)
}

// Compute assembles an offline snapshot for appUserID from history and
// mapping. It fails when no mapping has ever been cached, or when history
// contains a consumable purchase; the latter also disables offline mode for
// the rest of the session.
func (c *OfflineEntitlementComputer) Compute(appUserID string, history []models.Transaction, mapping *models.ProductEntitlementMapping) (*models.CustomerInfoSnapshot, error) {
	if c.disabled.Load() {
		return nil, sdkerr.New(sdkerr.CodeOfflineComputation, "offline entitlements are disabled for this session")
	}
	if mapping == nil || len(mapping.Products) == 0 {
		return nil, sdkerr.New(sdkerr.CodeOfflineComputation, "no product entitlement mapping has been cached")
	}

	for _, tx := range history {
		if tx.IsConsumable {
			c.disabled.Store(true)
			logging.Errorf("Consumable purchase %s found in local history, disabling offline entitlements", tx.ID)
			return nil, sdkerr.New(sdkerr.CodeConsumablePurchaseFound, "consumable purchases cannot be derived offline")
		}
	}

	now := c.now()
	latest := latestByOriginalTransaction(history)

	snapshot := &models.CustomerInfoSnapshot{
		AppUserID:         appUserID,
		Entitlements:      make(map[string]models.Entitlement),
		RequestDate:       now,
		SchemaVersion:     models.CustomerInfoSchemaVersion,
		IsComputedOffline: true,
	}

	for _, tx := range latest {
		if tx.Ownership == models.OwnershipRevoked {
			continue
		}

		entitlementIDs, ok := mapping.EntitlementsForProduct(tx.ProductID)
		if !ok {
			logging.Infof("Product %s is not in the entitlement mapping, skipping", tx.ProductID)
			continue
		}

		for _, id := range entitlementIDs {
			ent := models.Entitlement{
				Identifier:   id,
				ProductID:    tx.ProductID,
				IsActive:     !tx.IsExpired(now),
				PurchaseDate: tx.PurchaseDate,
				ExpiresDate:  tx.ExpiresDate,
			}

			// When two purchases unlock the same entitlement, keep the one
			// with the later expiration.
			if existing, ok := snapshot.Entitlements[id]; ok && laterEntitlement(existing, ent) {
				continue
			}
			snapshot.Entitlements[id] = ent
		}
	}

	return snapshot, nil
}

// latestByOriginalTransaction collapses renewals onto their origin, keeping
// the transaction with the latest purchase date per original transaction.
func latestByOriginalTransaction(history []models.Transaction) []models.Transaction {
	byOrigin := make(map[string]models.Transaction)
	for _, tx := range history {
		origin := tx.OriginalTransactionID
		if origin == "" {
			origin = tx.ID
		}
		if existing, ok := byOrigin[origin]; ok && !tx.PurchaseDate.After(existing.PurchaseDate) {
			continue
		}
		byOrigin[origin] = tx
	}

	latest := make([]models.Transaction, 0, len(byOrigin))
	for _, tx := range byOrigin {
		latest = append(latest, tx)
	}
	return latest
}

// laterEntitlement reports whether existing outlasts candidate. A zero
// expiration means the entitlement never expires.
func laterEntitlement(existing, candidate models.Entitlement) bool {
	if existing.ExpiresDate.IsZero() {
		return true
	}
	if candidate.ExpiresDate.IsZero() {
		return false
	}
	return existing.ExpiresDate.After(candidate.ExpiresDate)
}
