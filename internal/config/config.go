package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Backend configuration
	BackendURL      string
	APIKey          string
	SignatureSecret string

	// HTTP configuration
	RequestTimeoutSeconds int

	// Storage configuration
	DatabaseURL string
	RedisURL    string
	CacheStore  string // "gorm" or "redis"

	// Offline entitlement configuration
	OfflineEntitlementsEnabled bool

	// Transaction verification configuration
	VerificationRootSubject string
	AllowUnverified         bool // dev only: accept transactions without a signed payload

	// Dev server configuration
	Port string
	Mode string
}

// Load reads configuration from the environment. A .env file is honored
// when present.
func Load() (*Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	cfg := &Config{
		BackendURL:                 getEnv("BACKEND_URL", "http://localhost:8080"),
		APIKey:                     getEnv("API_KEY", ""),
		SignatureSecret:            getEnv("SIGNATURE_SECRET", ""),
		RequestTimeoutSeconds:      getEnvInt("REQUEST_TIMEOUT_SECONDS", 30),
		DatabaseURL:                getEnv("DATABASE_URL", ""),
		RedisURL:                   getEnv("REDIS_URL", ""),
		CacheStore:                 getEnv("CACHE_STORE", "gorm"),
		OfflineEntitlementsEnabled: getEnvBool("OFFLINE_ENTITLEMENTS_ENABLED", true),
		VerificationRootSubject:    getEnv("VERIFICATION_ROOT_SUBJECT", ""),
		AllowUnverified:            getEnvBool("ALLOW_UNVERIFIED_TRANSACTIONS", false),
		Port:                       getEnv("PORT", "8080"),
		Mode:                       getEnv("GIN_MODE", "debug"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
