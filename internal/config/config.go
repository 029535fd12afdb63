package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	DatabaseURL      string
	ServerPort       string
	FrontendURL      string
	EnableHSTS       bool
	RedisURL         string
	RabbitMQURL      string
	RabbitMQPrefetch int
	WorkerDebugMode  bool
	ServerDebugMode  bool
	OTELEnabled      bool
	OTELEndpoint     string

	// SearchLanguage selects the text search dictionary. It must match the
	// configuration used to build response.idea_tsv.
	SearchLanguage   string
	SweepHour        int
	SweepRetryDelay  time.Duration
	SweepConcurrency int
	SweepLockTTL     time.Duration
	BulkTagTimeout   time.Duration
	RateLimit        string
	PageSizeDefault  int
	PageSizeMax      int
	DLQRetention     time.Duration
	DLQGCInterval    time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", "http://localhost:3000"),
		EnableHSTS:       getEnvBool("ENABLE_HSTS", false),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQPrefetch: getEnvInt("RABBITMQ_PREFETCH", 1),
		WorkerDebugMode:  getEnvBool("WORKER_DEBUG_MODE", false),
		ServerDebugMode:  getEnvBool("SERVER_DEBUG_MODE", false),
		OTELEnabled:      getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SearchLanguage:   getEnv("SEARCH_LANGUAGE", "en"),
		SweepHour:        getEnvInt("SWEEP_HOUR", 2),
		SweepRetryDelay:  getEnvDuration("SWEEP_RETRY_DELAY", 15*time.Minute),
		SweepConcurrency: getEnvInt("SWEEP_CONCURRENCY", 4),
		SweepLockTTL:     getEnvDuration("SWEEP_LOCK_TTL", 2*time.Hour),
		BulkTagTimeout:   getEnvDuration("BULK_TAG_TIMEOUT", 30*time.Minute),
		RateLimit:        getEnv("RATE_LIMIT", "20-S"),
		PageSizeDefault:  getEnvInt("PAGE_SIZE_DEFAULT", 50),
		PageSizeMax:      getEnvInt("PAGE_SIZE_MAX", 500),
		DLQRetention:     getEnvDuration("DLQ_RETENTION", 7*24*time.Hour),
		DLQGCInterval:    getEnvDuration("DLQ_GC_INTERVAL", time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SweepHour < 0 || c.SweepHour > 23 {
		return fmt.Errorf("SWEEP_HOUR must be between 0 and 23, got %d", c.SweepHour)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1, got %d", c.SweepConcurrency)
	}
	if c.SweepRetryDelay <= 0 {
		return errors.New("SWEEP_RETRY_DELAY must be positive")
	}
	if c.BulkTagTimeout <= 0 {
		return errors.New("BULK_TAG_TIMEOUT must be positive")
	}
	if c.RabbitMQPrefetch < 1 {
		return fmt.Errorf("RABBITMQ_PREFETCH must be at least 1, got %d", c.RabbitMQPrefetch)
	}
	if c.PageSizeDefault < 1 || c.PageSizeMax < c.PageSizeDefault {
		return fmt.Errorf("PAGE_SIZE_DEFAULT (%d) must be positive and not exceed PAGE_SIZE_MAX (%d)",
			c.PageSizeDefault, c.PageSizeMax)
	}
	return nil
}

// RequireQueue reports an error when no RabbitMQ URL is configured. The server
// and worker need the queue; the CLI runs jobs in process.
func (c *Config) RequireQueue() error {
	if c.RabbitMQURL == "" {
		return fmt.Errorf("RABBITMQ_URL is required for job queueing")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
