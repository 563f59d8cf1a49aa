package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aice-dev/orchestrator/internal/domain"
)

type Config struct {
	Addr         string
	LogLevel     string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string

	AWSRegion          string
	BedrockModelID     string
	BedrockEnabled     bool
	ProviderSecretName string
	SNSTopicARN        string
	UsageQueueURL      string

	// Provider ordering and quotas. Lower priority is tried first.
	OpenAIPriority    int
	AnthropicPriority int
	BedrockPriority   int
	ProviderRPM       int
	ProviderBurst     int
	ProviderTimeout   time.Duration

	// Per-tenant-per-provider admission quota.
	TenantRPM   int
	TenantBurst int

	CacheTTL time.Duration

	BreakerWindow      int
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	DistributedBreaker bool

	StreamBuffer int

	// SurfacePartial controls mid-stream failure policy after partial output:
	// true surfaces partial+error to the client, false retries silently on the
	// next provider (risking duplicated partial output).
	SurfacePartial bool

	// RateLimitFailClosed rejects requests when the limiter store is
	// unreachable instead of admitting them.
	RateLimitFailClosed bool

	// Capabilities maps each capability to enabled/disabled.
	Capabilities map[domain.Capability]bool

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error.
	godotenv.Load()

	cfg := &Config{
		Addr:         getEnv("ADDR", ":8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:     getEnv("OPENAI_MODEL", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", ""),

		AWSRegion:          getEnv("AWS_REGION", ""),
		BedrockModelID:     getEnv("BEDROCK_MODEL_ID", ""),
		BedrockEnabled:     getBoolEnv("BEDROCK_ENABLED", false),
		ProviderSecretName: getEnv("PROVIDER_SECRET_NAME", ""),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL:      getEnv("USAGE_QUEUE_URL", ""),

		OpenAIPriority:    getIntEnv("OPENAI_PRIORITY", 1),
		AnthropicPriority: getIntEnv("ANTHROPIC_PRIORITY", 2),
		BedrockPriority:   getIntEnv("BEDROCK_PRIORITY", 3),
		ProviderRPM:       getIntEnv("PROVIDER_RPM", 300),
		ProviderBurst:     getIntEnv("PROVIDER_BURST", 50),
		ProviderTimeout:   getDurationEnv("PROVIDER_TIMEOUT", 60*time.Second),

		TenantRPM:   getIntEnv("TENANT_RPM", 60),
		TenantBurst: getIntEnv("TENANT_BURST", 10),

		CacheTTL: getDurationEnv("CACHE_TTL", 5*time.Minute),

		BreakerWindow:      getIntEnv("BREAKER_WINDOW", 10),
		BreakerThreshold:   getIntEnv("BREAKER_THRESHOLD", 5),
		BreakerCooldown:    getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),
		DistributedBreaker: getBoolEnv("USE_DISTRIBUTED_BREAKER", false),

		StreamBuffer: getIntEnv("STREAM_BUFFER", 16),

		SurfacePartial:      getBoolEnv("SURFACE_PARTIAL", true),
		RateLimitFailClosed: getBoolEnv("RATE_LIMIT_FAIL_CLOSED", false),

		Capabilities: loadCapabilities(),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// loadCapabilities enables everything, then disables what
// DISABLED_CAPABILITIES names (comma separated).
func loadCapabilities() map[domain.Capability]bool {
	caps := make(map[domain.Capability]bool, len(domain.Capabilities))
	for _, c := range domain.Capabilities {
		caps[c] = true
	}

	for _, name := range strings.Split(os.Getenv("DISABLED_CAPABILITIES"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		caps[domain.Capability(name)] = false
	}

	return caps
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
