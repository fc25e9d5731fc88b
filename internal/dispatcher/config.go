package dispatcher

import (
	"quantumjobs/pkg/circuitbreaker"
	"time"
)

// Config holds polling and circuit-breaker tunables. Zero values use defaults.
type Config struct {
	PollInterval   time.Duration // fixed delay between polls (default: 5s)
	PollBackoffMax time.Duration // cap for backoff after poll errors (default: 1m)
	PollRate       float64       // status calls per second per backend, 0 = unlimited
	PollBurst      int           // token bucket size (default: ceil(PollRate))
	CallTimeout    time.Duration // bound for result and cancel calls (default: 30s)
	Breaker        circuitbreaker.Config
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollBackoffMax <= 0 {
		c.PollBackoffMax = time.Minute
	}
	if c.PollBackoffMax < c.PollInterval {
		c.PollBackoffMax = c.PollInterval
	}
	if c.PollRate > 0 && c.PollBurst <= 0 {
		c.PollBurst = max(1, int(c.PollRate+0.999))
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}
