// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"quantumjobs/pkg/circuitbreaker"
	"sort"
	"sync"
	"time"
)

// Check reports whether one dependency can serve requests.
type Check func(ctx context.Context) error

// BreakerStats summarizes per-backend circuit breakers.
type BreakerStats interface {
	Stats() circuitbreaker.Stats
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type namedCheck struct {
	name  string
	check Check
}

// Checker performs health checks on dependencies.
type Checker struct {
	breakers BreakerStats
	timeout  time.Duration

	mu           sync.RWMutex
	checks       []namedCheck
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker. breakers may be nil.
func NewChecker(breakers BreakerStats) *Checker {
	return &Checker{
		breakers: breakers,
		timeout:  5 * time.Second,
	}
}

// Register adds a readiness check. Checks run in name order.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, check: check})
	sort.Slice(c.checks, func(i, j int) bool { return c.checks[i].name < c.checks[j].name })
	c.cachedReady = nil
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic: every
// registered dependency must pass. Open backend circuits degrade the
// response without failing it.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the upstream auth endpoint)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks)+1)
	overallStatus := StatusHealthy

	for _, nc := range checks {
		result := c.run(ctx, nc.check)
		results[nc.name] = result
		if result.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
	}

	if c.breakers != nil {
		result := breakerResult(c.breakers.Stats())
		results["backends"] = result
		if result.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: results,
	}

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

func breakerResult(s circuitbreaker.Stats) CheckResult {
	if s.Open == 0 && s.HalfOpen == 0 {
		return CheckResult{Status: StatusHealthy}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("%d of %d backend circuits open, %d probing", s.Open, s.Total, s.HalfOpen),
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Serving returns true unless the response is unhealthy. A degraded
// service still accepts traffic.
func (r *Response) Serving() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
