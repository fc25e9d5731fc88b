// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"quantumjobs/internal/apperrors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServiceConfig holds configuration for the quantum jobs service.
type ServiceConfig struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	MetricsPort       string        `env:"METRICS_PORT" envDefault:"9090"`
	APIKeyFile        string        `env:"API_KEY_FILE"`
	APIKey            string        // bearer key guarding the query surface, read from APIKeyFile
	ShutdownDrainWait time.Duration `env:"SHUTDOWN_DRAIN_WAIT" envDefault:"5s"` // Time to wait for load balancer to drain (0 to skip)

	Cloud    CloudConfig
	Dispatch DispatchConfig
	Notify   NotifyConfig

	PostgresDSN string `env:"POSTGRES_DSN"` // job archive, disabled when empty
}

// CloudConfig holds upstream cloud settings.
type CloudConfig struct {
	Secret              string        `env:"QUANTUM_API_KEY"`
	SecretFile          string        `env:"QUANTUM_API_KEY_FILE"`
	ServiceCRN          string        `env:"QUANTUM_SERVICE_CRN"`
	Region              string        `env:"QUANTUM_REGION" envDefault:"us-east"`
	IAMURL              string        `env:"QUANTUM_IAM_URL" envDefault:"https://iam.cloud.ibm.com/identity/token"`
	RuntimeURL          string        `env:"QUANTUM_RUNTIME_URL"` // derived from Region when empty
	LegacyAuthURL       string        `env:"QUANTUM_LEGACY_AUTH_URL" envDefault:"https://auth.quantum-computing.ibm.com/api/users/loginWithToken"`
	LegacyAPIURL        string        `env:"QUANTUM_LEGACY_API_URL" envDefault:"https://api.quantum-computing.ibm.com/api"`
	HTTPTimeout         time.Duration `env:"QUANTUM_HTTP_TIMEOUT" envDefault:"15s"`
	SessionSafetyMargin time.Duration `env:"QUANTUM_SESSION_SAFETY_MARGIN" envDefault:"60s"`
	LegacySessionTTL    time.Duration `env:"QUANTUM_LEGACY_SESSION_TTL" envDefault:"15m"`
	CatalogTTL          time.Duration `env:"QUANTUM_CATALOG_TTL" envDefault:"30s"`
}

// DispatchConfig holds polling, retry and circuit-breaker tunables.
type DispatchConfig struct {
	PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollBackoffMax       time.Duration `env:"POLL_BACKOFF_MAX" envDefault:"1m"`
	PollRatePerBackend   float64       `env:"POLL_RATE_PER_BACKEND" envDefault:"10"`
	PollBurstPerBackend  int           `env:"POLL_BURST_PER_BACKEND" envDefault:"20"`
	StatusVocabularyFile string        `env:"STATUS_VOCABULARY_FILE"`

	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"4"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"250ms"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"5s"`
	RetryJitter         float64       `env:"RETRY_JITTER" envDefault:"0.2"`

	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerWindow    time.Duration `env:"BREAKER_WINDOW" envDefault:"1m"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
}

// NotifyConfig holds status-stream sinks. Each sink is disabled when its address is empty.
type NotifyConfig struct {
	CallbackURL     string        `env:"CALLBACK_URL"`
	CallbackKeyFile string        `env:"CALLBACK_KEY_FILE"`
	CallbackKey     string        // HMAC key, read from CallbackKeyFile
	BufferSize      int           `env:"NOTIFY_BUFFER_SIZE" envDefault:"10000"`
	Workers         int           `env:"NOTIFY_WORKERS" envDefault:"4"`
	HTTPTimeout     time.Duration `env:"NOTIFY_HTTP_TIMEOUT" envDefault:"10s"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisChannel    string        `env:"REDIS_CHANNEL" envDefault:"quantum-jobs:transitions"`
}

// LoadServiceConfig loads service configuration from the process environment.
// A missing cloud secret is a configuration error.
func LoadServiceConfig() (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, apperrors.Configuration("env", fmt.Sprintf("invalid environment: %v", err))
	}
	return cfg.resolve()
}

// LoadServiceConfigFrom loads configuration from an explicit environment map.
func LoadServiceConfigFrom(environ map[string]string) (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, apperrors.Configuration("env", fmt.Sprintf("invalid environment: %v", err))
	}
	return cfg.resolve()
}

// resolve reads secret files and fills derived values.
func (c *ServiceConfig) resolve() (*ServiceConfig, error) {
	c.APIKey = GetSecretFile(c.APIKeyFile)
	c.Notify.CallbackKey = GetSecretFile(c.Notify.CallbackKeyFile)

	if c.Cloud.Secret == "" {
		c.Cloud.Secret = GetSecretFile(c.Cloud.SecretFile)
	}
	if strings.TrimSpace(c.Cloud.Secret) == "" {
		return nil, apperrors.Configuration("QUANTUM_API_KEY", "API secret is required (set QUANTUM_API_KEY or QUANTUM_API_KEY_FILE)")
	}

	if c.Cloud.RuntimeURL == "" {
		c.Cloud.RuntimeURL = RuntimeURLForRegion(c.Cloud.Region)
	}
	c.Cloud.RuntimeURL = strings.TrimRight(c.Cloud.RuntimeURL, "/")
	c.Cloud.LegacyAPIURL = strings.TrimRight(c.Cloud.LegacyAPIURL, "/")
	return c, nil
}

// RuntimeURLForRegion returns the primary API base URL for a cloud region.
func RuntimeURLForRegion(region string) string {
	if region == "" {
		region = "us-east"
	}
	return fmt.Sprintf("https://%s.quantum-computing.cloud.ibm.com", region)
}
