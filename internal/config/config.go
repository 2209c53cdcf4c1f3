package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/ai-router/internal/provider"
)

var knownProviders = []string{provider.OpenAI, provider.Claude, provider.Bedrock}

type Config struct {
	Addr     string
	LogLevel string

	DefaultProvider  string
	EnabledProviders []string
	OpenAIBaseURL    string
	OpenAIModel      string
	ClaudeBaseURL    string
	ClaudeModel      string
	BedrockModel     string
	AWSRegion        string

	DispatchRetries   int
	DispatchTimeout   time.Duration
	DispatchBaseDelay time.Duration

	HealthMaxFailures int
	HealthCooldown    time.Duration

	RedisURL    string
	DatabaseURL string
	SQLitePath  string

	SecretsPrefix      string
	SecretsCacheTTL    time.Duration
	UseSecretsManager  bool
	EncryptionKey      string
	AdminPassword      string
	SNSTopicARN        string
	SQSRequestQueueURL string
	SQSResultQueueURL  string
	OTLPEndpoint       string

	RateLimitRPM      int
	MetaQueryBatch    int
	MetaQueryDedupTTL time.Duration

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DefaultProvider:  getEnv("DEFAULT_PROVIDER", "openai"),
		EnabledProviders: getListEnv("ENABLED_PROVIDERS", []string{"openai", "claude", "bedrock"}),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:      getEnv("OPENAI_MODEL", ""),
		ClaudeBaseURL:    getEnv("CLAUDE_BASE_URL", "https://api.anthropic.com/v1"),
		ClaudeModel:      getEnv("CLAUDE_MODEL", ""),
		BedrockModel:     getEnv("BEDROCK_MODEL", ""),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),

		DispatchRetries:   getIntEnv("DISPATCH_RETRIES", 2),
		DispatchTimeout:   getMillisEnv("DISPATCH_TIMEOUT_MS", 10*time.Second),
		DispatchBaseDelay: getMillisEnv("DISPATCH_BACKOFF_MS", 500*time.Millisecond),

		HealthMaxFailures: getIntEnv("HEALTH_MAX_FAILURES", 3),
		HealthCooldown:    getDurationEnv("HEALTH_COOLDOWN", 60*time.Second),

		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		SecretsPrefix:      getEnv("SECRETS_PREFIX", ""),
		SecretsCacheTTL:    getDurationEnv("SECRETS_CACHE_TTL", 5*time.Minute),
		UseSecretsManager:  getEnv("USE_SECRETS_MANAGER", "false") == "true",
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		AdminPassword:      getEnv("ADMIN_PASSWORD", ""),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		SQSRequestQueueURL: getEnv("SQS_REQUEST_QUEUE_URL", ""),
		SQSResultQueueURL:  getEnv("SQS_RESPONSE_QUEUE_URL", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),

		RateLimitRPM:      getIntEnv("RATE_LIMIT_RPM", 60),
		MetaQueryBatch:    getIntEnv("META_QUERY_BATCH_SIZE", 50),
		MetaQueryDedupTTL: getDurationEnv("META_QUERY_DEDUP_TTL", time.Hour),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.EnabledProviders) == 0 {
		return fmt.Errorf("ENABLED_PROVIDERS must name at least one provider")
	}
	for _, name := range c.EnabledProviders {
		if !slices.Contains(knownProviders, name) {
			return fmt.Errorf("ENABLED_PROVIDERS: unknown provider %q (known: %s)", name, strings.Join(knownProviders, ", "))
		}
	}
	if !slices.Contains(c.EnabledProviders, c.DefaultProvider) {
		return fmt.Errorf("DEFAULT_PROVIDER %q is not in ENABLED_PROVIDERS", c.DefaultProvider)
	}
	if c.DispatchRetries < 0 {
		return fmt.Errorf("DISPATCH_RETRIES must be >= 0, got %d", c.DispatchRetries)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT_MS must be > 0")
	}
	if c.HealthMaxFailures < 1 {
		return fmt.Errorf("HEALTH_MAX_FAILURES must be >= 1, got %d", c.HealthMaxFailures)
	}
	if (c.SQSRequestQueueURL == "") != (c.SQSResultQueueURL == "") {
		return fmt.Errorf("SQS_REQUEST_QUEUE_URL and SQS_RESPONSE_QUEUE_URL must be set together")
	}
	return nil
}

// AsyncEnabled reports whether the SQS worker should run.
func (c *Config) AsyncEnabled() bool {
	return c.SQSRequestQueueURL != ""
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

// getDurationEnv reads whole seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(strings.ToLower(item)); item != "" && !slices.Contains(out, item) {
			out = append(out, item)
		}
	}
	return out
}
