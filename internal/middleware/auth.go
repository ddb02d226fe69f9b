package middleware

import (
	"net/http"

	"purchasekit/internal/response"

	"github.com/gin-gonic/gin"
)

// APIKeyAuthMiddleware rejects requests that do not carry the configured
// API key. An empty configured key disables the check (development).
func APIKeyAuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		// Get API key from header, falling back to query parameter
		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}

		if provided == "" {
			c.JSON(http.StatusUnauthorized, response.Error("Missing api_key"))
			c.Abort()
			return
		}

		if provided != apiKey {
			c.JSON(http.StatusUnauthorized, response.Error("Invalid api_key"))
			c.Abort()
			return
		}

		c.Next()
	}
}
