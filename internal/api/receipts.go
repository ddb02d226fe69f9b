package api

import (
	"net/http"

	"purchasekit/internal/backend"
	"purchasekit/internal/models"
	"purchasekit/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PostReceipts handles POST /v1/receipts. Transactions are recorded per
// app user (idempotently by transaction ID) and the fresh snapshot is
// returned under the customer_info container key.
func (s *Server) PostReceipts(c *gin.Context) {
	var req backend.ReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errorJSON(c, http.StatusBadRequest, 7101, "Invalid receipt request: "+err.Error())
		return
	}

	if req.AppUserID == "" {
		s.errorJSON(c, http.StatusBadRequest, 7102, "app_user_id is required")
		return
	}
	if len(req.Transactions) == 0 {
		s.errorJSON(c, http.StatusBadRequest, 7103, "no transactions in receipt")
		return
	}

	s.mu.Lock()
	known := s.subscribers[req.AppUserID]
	seen := make(map[string]bool, len(known))
	for _, tx := range known {
		seen[tx.ID] = true
	}
	recorded := 0
	for _, tx := range req.Transactions {
		if tx.ID == "" {
			s.mu.Unlock()
			s.errorJSON(c, http.StatusBadRequest, 7104, "transaction without an id")
			return
		}
		if !seen[tx.ID] {
			known = append(known, tx)
			seen[tx.ID] = true
			recorded++
		}
	}
	s.subscribers[req.AppUserID] = known
	snapshot := s.snapshotFor(req.AppUserID)
	s.mu.Unlock()

	logging.Infof("Recorded %d transaction(s) for %s (source: %s)", recorded, req.AppUserID, req.Source)

	s.signedJSON(c, http.StatusOK, gin.H{"customer_info": snapshot})
}

// GetSubscriber handles GET /v1/subscribers/:app_user_id.
func (s *Server) GetSubscriber(c *gin.Context) {
	appUserID := c.Param("app_user_id")
	if appUserID == "" {
		s.errorJSON(c, http.StatusBadRequest, 7102, "app_user_id is required")
		return
	}

	s.mu.Lock()
	snapshot := s.snapshotFor(appUserID)
	s.mu.Unlock()

	s.signedJSON(c, http.StatusOK, gin.H{"customer_info": snapshot})
}

// GetMapping handles GET /v1/product_entitlement_mapping.
func (s *Server) GetMapping(c *gin.Context) {
	s.mu.Lock()
	mapping := s.mapping
	s.mu.Unlock()

	s.signedJSON(c, http.StatusOK, mapping)
}

// UpdateMapping handles PUT /v1/product_entitlement_mapping, replacing the
// table wholesale.
func (s *Server) UpdateMapping(c *gin.Context) {
	var mapping models.ProductEntitlementMapping
	if err := c.ShouldBindJSON(&mapping); err != nil {
		s.errorJSON(c, http.StatusBadRequest, 7105, "Invalid mapping: "+err.Error())
		return
	}
	if len(mapping.Products) == 0 {
		s.errorJSON(c, http.StatusBadRequest, 7106, "mapping has no products")
		return
	}

	s.mu.Lock()
	s.mapping = mapping
	s.mu.Unlock()

	logging.Infof("Product entitlement mapping replaced (%d products)", len(mapping.Products))
	s.signedJSON(c, http.StatusOK, gin.H{"updated": true})
}
