package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyConfig is a single partner key + shared secret pair accepted on the
// client routes.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the paygate service.
type Config struct {
	ListenAddress        string
	NodeURL              string
	NodeAuthToken        string
	DatabasePath         string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	ClientRatePerMinute  float64
	ClientRateBurst      int
	JWTSecret            string
	JWTIssuer            string
	JWTAudience          string
	PaystackSecret       string
	PaystackBaseURL      string
	PaystackTimeout      time.Duration
	PaystackMaxRetries   int
	PaymentCallbackURL   string
	WebhookQueueCapacity int
	WebhookHistorySize   int
	WebhookQueueTTL      time.Duration
	WebhookSeedPath      string
	ReconOutputDir       string
	Environment          string
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("AFRAMP_PAYGATE_LISTEN", ":8090"),
		NodeURL:              os.Getenv("AFRAMP_PAYGATE_NODE_URL"),
		NodeAuthToken:        os.Getenv("AFRAMP_PAYGATE_NODE_TOKEN"),
		DatabasePath:         getenvDefault("AFRAMP_PAYGATE_DB_PATH", "paygate.db"),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		ClientRatePerMinute:  120,
		ClientRateBurst:      20,
		JWTSecret:            os.Getenv("AFRAMP_PAYGATE_JWT_SECRET"),
		JWTIssuer:            getenvDefault("AFRAMP_PAYGATE_JWT_ISSUER", "aframp"),
		JWTAudience:          getenvDefault("AFRAMP_PAYGATE_JWT_AUDIENCE", "paygate"),
		PaystackSecret:       os.Getenv("AFRAMP_PAYGATE_PAYSTACK_SECRET"),
		PaystackBaseURL:      getenvDefault("AFRAMP_PAYGATE_PAYSTACK_URL", defaultPaystackBaseURL),
		PaystackTimeout:      defaultPaystackTimeout,
		PaystackMaxRetries:   defaultPaystackRetries,
		PaymentCallbackURL:   os.Getenv("AFRAMP_PAYGATE_CALLBACK_URL"),
		WebhookQueueCapacity: defaultTaskCapacity,
		WebhookHistorySize:   defaultHistoryCapacity,
		WebhookQueueTTL:      defaultQueueTTL,
		WebhookSeedPath:      os.Getenv("AFRAMP_PAYGATE_WEBHOOK_SEED"),
		ReconOutputDir:       getenvDefault("AFRAMP_PAYGATE_RECON_DIR", "recon"),
		Environment:          getenvDefault("AFRAMP_PAYGATE_ENV", "dev"),
	}

	if skew := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_TIMESTAMP_SKEW")); skew != "" {
		dur, err := time.ParseDuration(skew)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_TIMESTAMP_SKEW: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_TIMESTAMP_SKEW must be positive")
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_RATE_PER_MINUTE")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_RATE_PER_MINUTE: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_RATE_PER_MINUTE must be positive")
		}
		cfg.ClientRatePerMinute = val
	}

	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_QUEUE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_QUEUE_CAP must be positive")
		}
		cfg.WebhookQueueCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_QUEUE_HISTORY")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_QUEUE_HISTORY: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_QUEUE_HISTORY must be positive")
		}
		cfg.WebhookHistorySize = val
	}

	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_QUEUE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_QUEUE_TTL must be positive")
		}
		cfg.WebhookQueueTTL = dur
	}

	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_PAYSTACK_TIMEOUT")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_PAYSTACK_TIMEOUT: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_PAYSTACK_TIMEOUT must be positive")
		}
		cfg.PaystackTimeout = dur
	}

	if raw := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_PAYSTACK_RETRIES")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_PAYSTACK_RETRIES: %w", err)
		}
		if val < 0 {
			return Config{}, errors.New("AFRAMP_PAYGATE_PAYSTACK_RETRIES must not be negative")
		}
		cfg.PaystackMaxRetries = val
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("AFRAMP_PAYGATE_NODE_URL is required")
	}
	if cfg.PaystackSecret == "" {
		return Config{}, errors.New("AFRAMP_PAYGATE_PAYSTACK_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("AFRAMP_PAYGATE_JWT_SECRET is required")
	}

	// API keys arrive as a JSON array: [{"key":"...","secret":"..."}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("AFRAMP_PAYGATE_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("AFRAMP_PAYGATE_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, fmt.Errorf("parse AFRAMP_PAYGATE_API_KEYS: %w", err)
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

// SecretsByKey returns the API key to shared secret map the authenticator
// consumes.
func (c Config) SecretsByKey() map[string]string {
	secrets := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		secrets[entry.Key] = entry.Secret
	}
	return secrets
}

// WebhookSeed is one partner endpoint declared in the seed file. Each listed
// event type becomes its own subscription row.
type WebhookSeed struct {
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	Events    []string `yaml:"events"`
	RateLimit int      `yaml:"rate_limit"`
}

type webhookSeedFile struct {
	Webhooks []WebhookSeed `yaml:"webhooks"`
}

// LoadWebhookSeeds reads partner webhook endpoints from a YAML file. A missing
// path yields no seeds rather than an error so deployments without static
// subscriptions skip the file entirely.
func LoadWebhookSeeds(path string) ([]WebhookSeed, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhook seed file: %w", err)
	}
	var file webhookSeedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse webhook seed file: %w", err)
	}
	for i, seed := range file.Webhooks {
		if strings.TrimSpace(seed.URL) == "" {
			return nil, fmt.Errorf("webhook seed %d: url is required", i)
		}
		if strings.TrimSpace(seed.Secret) == "" {
			return nil, fmt.Errorf("webhook seed %d: secret is required", i)
		}
		if len(seed.Events) == 0 {
			return nil, fmt.Errorf("webhook seed %d: at least one event type is required", i)
		}
	}
	return file.Webhooks, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
