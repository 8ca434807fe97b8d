// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/osprey-sec/enrichd/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Circuit breaker settings, shared by all provider breakers
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerResetTimeout     time.Duration
	ProviderTimeout         time.Duration

	// Cache settings
	CacheRecordTTL     time.Duration // hard eviction bound written on every upsert
	CacheSweepInterval time.Duration
	CacheRetention     time.Duration // grace window before expired records are evicted

	// Provider credentials and endpoints. A provider with no key still runs
	// against its default endpoint; paid sources reject unauthenticated calls
	// upstream and the breaker handles the fallout.
	IPReputationAPIKey  string
	IPReputationBaseURL string
	AnonymizerBaseURL   string
	GeoRiskBaseURL      string
	GeoIPDBPath         string // local MaxMind database, preferred over HTTP when set
	ASNTrustBaseURL     string
	DisposableBaseURL   string
	BreachAPIKey        string
	BreachBaseURL       string

	// Security
	RateLimitRPM int // requests per minute per client IP

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRateLimit        = 600
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
	DefaultProviderTimeout  = 10 * time.Second
	DefaultCacheRecordTTL   = time.Hour
	DefaultSweepInterval    = 5 * time.Minute
	DefaultCacheRetention   = 24 * time.Hour
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
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		BreakerFailureThreshold: getEnvInt("CB_FAILURE_THRESHOLD", DefaultFailureThreshold),
		BreakerSuccessThreshold: getEnvInt("CB_SUCCESS_THRESHOLD", DefaultSuccessThreshold),
		BreakerResetTimeout:     getEnvDuration("CB_RESET_TIMEOUT", DefaultResetTimeout),
		ProviderTimeout:         getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),

		CacheRecordTTL:     getEnvDuration("CACHE_RECORD_TTL", DefaultCacheRecordTTL),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", DefaultSweepInterval),
		CacheRetention:     getEnvDuration("CACHE_RETENTION", DefaultCacheRetention),

		IPReputationAPIKey:  os.Getenv("IP_REPUTATION_API_KEY"),
		IPReputationBaseURL: os.Getenv("IP_REPUTATION_BASE_URL"),
		AnonymizerBaseURL:   os.Getenv("ANONYMIZER_BASE_URL"),
		GeoRiskBaseURL:      os.Getenv("GEO_RISK_BASE_URL"),
		GeoIPDBPath:         os.Getenv("GEOIP_DB"),
		ASNTrustBaseURL:     os.Getenv("ASN_TRUST_BASE_URL"),
		DisposableBaseURL:   os.Getenv("DISPOSABLE_BASE_URL"),
		BreachAPIKey:        os.Getenv("BREACH_API_KEY"),
		BreachBaseURL:       os.Getenv("BREACH_BASE_URL"),

		RateLimitRPM: getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("CB_FAILURE_THRESHOLD must be at least 1")
	}
	if c.BreakerSuccessThreshold < 1 {
		return fmt.Errorf("CB_SUCCESS_THRESHOLD must be at least 1")
	}
	if c.BreakerResetTimeout <= 0 {
		return fmt.Errorf("CB_RESET_TIMEOUT must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.CacheRecordTTL <= 0 {
		return fmt.Errorf("CACHE_RECORD_TTL must be positive")
	}

	// Base URL overrides point the outbound HTTP clients somewhere else; in
	// production they must not be abusable to reach internal addresses.
	if c.IsProduction() {
		overrides := map[string]string{
			"IP_REPUTATION_BASE_URL": c.IPReputationBaseURL,
			"ANONYMIZER_BASE_URL":    c.AnonymizerBaseURL,
			"GEO_RISK_BASE_URL":      c.GeoRiskBaseURL,
			"ASN_TRUST_BASE_URL":     c.ASNTrustBaseURL,
			"DISPOSABLE_BASE_URL":    c.DisposableBaseURL,
			"BREACH_BASE_URL":        c.BreachBaseURL,
		}
		for name, raw := range overrides {
			if raw == "" {
				continue
			}
			if err := security.ValidateEndpointURL(raw); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
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
