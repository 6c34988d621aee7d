// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for the shared token-bucket store (optional)

	// Admission limits
	GlobalCapacity   int
	GlobalRefill     int
	SenderCapacity   int
	SenderRefill     int
	KlienCapacity    int
	KlienRefill      int
	CampaignCapacity int
	CampaignRefill   int

	// Background workers
	DecaySweepInterval       time.Duration
	MaintenanceSweepInterval time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Security
	WebhookSecret      string // Shared secret for verifying inbound provider callbacks
	AdminSecret        string // Admin API secret
	RateLimitPerMinute int    // Per-IP HTTP rate limit
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultRateLimit        = 300
	DefaultGlobalCapacity   = 10000
	DefaultGlobalRefill     = 500
	DefaultSenderCapacity   = 60
	DefaultSenderRefill     = 1
	DefaultKlienCapacity    = 600
	DefaultKlienRefill      = 10
	DefaultCampaignCapacity = 300
	DefaultCampaignRefill   = 5
	DefaultSweepInterval    = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:    os.Getenv("REDIS_URL"),    // Optional, uses in-memory buckets if not set

		GlobalCapacity:   getEnvInt("GLOBAL_CAPACITY", DefaultGlobalCapacity),
		GlobalRefill:     getEnvInt("GLOBAL_REFILL", DefaultGlobalRefill),
		SenderCapacity:   getEnvInt("SENDER_CAPACITY", DefaultSenderCapacity),
		SenderRefill:     getEnvInt("SENDER_REFILL", DefaultSenderRefill),
		KlienCapacity:    getEnvInt("KLIEN_CAPACITY", DefaultKlienCapacity),
		KlienRefill:      getEnvInt("KLIEN_REFILL", DefaultKlienRefill),
		CampaignCapacity: getEnvInt("CAMPAIGN_CAPACITY", DefaultCampaignCapacity),
		CampaignRefill:   getEnvInt("CAMPAIGN_REFILL", DefaultCampaignRefill),

		DecaySweepInterval:       getEnvDuration("DECAY_SWEEP_INTERVAL", DefaultSweepInterval),
		MaintenanceSweepInterval: getEnvDuration("MAINTENANCE_SWEEP_INTERVAL", DefaultSweepInterval),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),

		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	for name, v := range map[string]int{
		"GLOBAL_CAPACITY":   c.GlobalCapacity,
		"GLOBAL_REFILL":     c.GlobalRefill,
		"SENDER_CAPACITY":   c.SenderCapacity,
		"SENDER_REFILL":     c.SenderRefill,
		"KLIEN_CAPACITY":    c.KlienCapacity,
		"KLIEN_REFILL":      c.KlienRefill,
		"CAMPAIGN_CAPACITY": c.CampaignCapacity,
		"CAMPAIGN_REFILL":   c.CampaignRefill,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
