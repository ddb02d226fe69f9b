package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"purchasekit/internal/backend"
	"purchasekit/internal/config"
	"purchasekit/internal/middleware"
	"purchasekit/internal/models"
	"purchasekit/pkg/logging"

	"github.com/gin-gonic/gin"
)

// Server is a local development entitlement backend. It records posted
// receipts in memory, serves snapshots derived from them and signs every
// response body, so the SDK's full online path (including response
// integrity verification) can be exercised without a real backend.
type Server struct {
	signatureSecret string

	mu          sync.Mutex
	subscribers map[string][]models.Transaction
	mapping     models.ProductEntitlementMapping
}

// NewServer creates a dev server with a demo product-entitlement mapping.
func NewServer(cfg *config.Config) *Server {
	return &Server{
		signatureSecret: cfg.SignatureSecret,
		subscribers:     make(map[string][]models.Transaction),
		mapping: models.ProductEntitlementMapping{
			Products: map[string][]string{
				"monthly_pro":  {"pro"},
				"annual_pro":   {"pro"},
				"lifetime_pro": {"pro", "early_adopter"},
			},
			FetchedAt: time.Now(),
		},
	}
}

// SetupRoutes sets up all routes
func (s *Server) SetupRoutes(r *gin.Engine, cfg *config.Config) {
	v1 := r.Group("/v1")
	v1.Use(middleware.APIKeyAuthMiddleware(cfg.APIKey))
	{
		v1.POST("/receipts", s.PostReceipts)
		v1.GET("/subscribers/:app_user_id", s.GetSubscriber)
		v1.GET("/product_entitlement_mapping", s.GetMapping)
		v1.PUT("/product_entitlement_mapping", s.UpdateMapping)
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "purchasekit-devserver",
		})
	})
}

// signedJSON writes payload as JSON with an HMAC-SHA256 signature header
// over the exact bytes sent.
func (s *Server) signedJSON(c *gin.Context, statusCode int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Errorf("Failed to encode response: %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	if s.signatureSecret != "" {
		mac := hmac.New(sha256.New, []byte(s.signatureSecret))
		mac.Write(body)
		c.Header(backend.SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	c.Data(statusCode, "application/json", body)
}

// errorJSON writes the backend's structured error body, nested under the
// "error" container key.
func (s *Server) errorJSON(c *gin.Context, statusCode, backendCode int, message string) {
	c.JSON(statusCode, models.ErrorResponseWrapper{
		Error: &models.ErrorResponse{
			Code:    backendCode,
			Message: message,
		},
	})
}

// snapshotFor assembles the authoritative snapshot for one app user from
// the transactions recorded so far. Callers hold s.mu.
func (s *Server) snapshotFor(appUserID string) *models.CustomerInfoSnapshot {
	now := time.Now()
	snapshot := &models.CustomerInfoSnapshot{
		AppUserID:     appUserID,
		Entitlements:  make(map[string]models.Entitlement),
		RequestDate:   now,
		SchemaVersion: models.CustomerInfoSchemaVersion,
	}

	transactions := s.subscribers[appUserID]
	sort.Slice(transactions, func(i, j int) bool {
		return transactions[i].PurchaseDate.Before(transactions[j].PurchaseDate)
	})

	for _, tx := range transactions {
		if tx.Ownership == models.OwnershipRevoked {
			continue
		}

		if tx.IsConsumable {
			snapshot.NonSubscriptions = append(snapshot.NonSubscriptions, models.NonSubscriptionPurchase{
				TransactionID: tx.ID,
				ProductID:     tx.ProductID,
				PurchaseDate:  tx.PurchaseDate,
			})
			continue
		}

		for _, entitlementID := range s.mapping.Products[tx.ProductID] {
			existing, ok := snapshot.Entitlements[entitlementID]
			if ok && (existing.ExpiresDate.IsZero() ||
				(!tx.ExpiresDate.IsZero() && existing.ExpiresDate.After(tx.ExpiresDate))) {
				continue
			}
			snapshot.Entitlements[entitlementID] = models.Entitlement{
				Identifier:   entitlementID,
				ProductID:    tx.ProductID,
				IsActive:     !tx.IsExpired(now),
				PurchaseDate: tx.PurchaseDate,
				ExpiresDate:  tx.ExpiresDate,
			}
		}
	}

	return snapshot
}
