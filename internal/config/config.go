package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	TenantStorePostgres = "postgres"
	TenantStoreMemory   = "memory"
)

type Config struct {
	Addr     string
	LogLevel string

	// Upstream completion API
	OpenAIAPIKey       string
	OpenAIAPIKeySecret string
	OpenAIBaseURL      string
	ModelName          string

	// Tenant store and its read cache
	TenantStore string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Relay behaviour
	RelayTimeout       time.Duration
	RelayInjectContext bool

	// AWS integrations; each is disabled when its target is empty
	AWSRegion        string
	UsageQueueURL    string
	AlertTopicARN    string
	AlertDedupWindow time.Duration

	OTLPEndpoint string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIAPIKeySecret: getEnv("OPENAI_API_KEY_SECRET", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ModelName:          getEnv("MODEL_NAME", "gpt-4o-mini"),
		TenantStore:        getEnv("TENANT_STORE", TenantStorePostgres),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		CacheTTL:           getDurationEnv("CACHE_TTL", 90*time.Second),
		RelayTimeout:       getDurationEnv("RELAY_TIMEOUT", 60*time.Second),
		RelayInjectContext: getBoolEnv("RELAY_INJECT_CONTEXT", true),
		AWSRegion:          getEnv("AWS_REGION", ""),
		UsageQueueURL:      getEnv("USAGE_QUEUE_URL", ""),
		AlertTopicARN:      getEnv("ALERT_TOPIC_ARN", ""),
		AlertDedupWindow:   getDurationEnv("ALERT_DEDUP_WINDOW", 5*time.Minute),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	switch cfg.TenantStore {
	case TenantStorePostgres, TenantStoreMemory:
	default:
		return nil, fmt.Errorf("invalid TENANT_STORE %q: want %q or %q", cfg.TenantStore, TenantStorePostgres, TenantStoreMemory)
	}

	if cfg.RelayTimeout <= 0 {
		return nil, fmt.Errorf("invalid RELAY_TIMEOUT: must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("60") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
