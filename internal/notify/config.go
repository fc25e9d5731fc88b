package notify

import "time"

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	defaultSource           = "quantum-jobs"
)

// WebhookConfig holds configuration for the webhook notifier.
type WebhookConfig struct {
	URL         string        // destination for transition events
	SigningKey  string        // HMAC key, empty = unsigned
	Source      string        // CloudEvent source (default: quantum-jobs)
	BufferSize  int           // pending events buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
}

// withDefaults fills in zero values with defaults.
func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.Source == "" {
		c.Source = defaultSource
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
