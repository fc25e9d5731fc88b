// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker tracks consecutive failures against one resource and,
// once a threshold is reached inside a sliding window, blocks calls to it
// until a cooldown elapses.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked
//   - HalfOpen: Cooldown elapsed, a single probe request allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int           // consecutive failures in the current streak
	streakStart time.Time     // first failure of the current streak
	openedAt    time.Time     // when the circuit last opened
	probing     bool          // a half-open probe is in flight
	threshold   int           // failures before opening
	window      time.Duration // streak must fit in this window
	cooldown    time.Duration // how long to wait before half-open
	now         func() time.Time
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Window    time.Duration // Sliding window for the failure streak (default: 1m)
	Cooldown  time.Duration // Time before half-open (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Window:    time.Minute,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// Allow returns true if a request should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true

	case HalfOpen:
		// Only one probe at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = Closed
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.probing = false

	if b.state == HalfOpen {
		// Probe failed, back to open for another cooldown
		b.state = Open
		b.openedAt = now
		return
	}

	if b.failures == 0 || now.Sub(b.streakStart) > b.window {
		b.failures = 0
		b.streakStart = now
	}
	b.failures++

	if b.failures >= b.threshold {
		b.state = Open
		b.openedAt = now
	}
}

// Release gives back an admitted request that never reached the resource,
// so a half-open probe slot is not held forever.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryAfter returns how long until an open circuit admits a probe.
// Zero when the circuit is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(b.cooldown-b.now().Sub(b.openedAt), 0)
}
