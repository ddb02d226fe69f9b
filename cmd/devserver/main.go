package main

import (
	"log"

	"purchasekit/internal/api"
	"purchasekit/internal/config"
	"purchasekit/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Initialize logging
	logging.InitLogging(cfg.Mode == "debug")

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	server := api.NewServer(cfg)
	server.SetupRoutes(r, cfg)

	// Start server
	logging.Infof("Starting dev entitlement backend on port %s", cfg.Port)

	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
