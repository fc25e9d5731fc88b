package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for window and cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := New(cfg)
	b.now = clock.Now
	return b, clock
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.Threshold != 5 {
		t.Errorf("Expected Threshold 5, got %d", cfg.Threshold)
	}
	if cfg.Window != time.Minute {
		t.Errorf("Expected Window 1m, got %v", cfg.Window)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Errorf("Expected Cooldown 30s, got %v", cfg.Cooldown)
	}
}

func TestNew_WithZeroValues(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("Expected closed state after 4 failures (default threshold is 5)")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("Expected open state after 5 failures")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: 3, Window: time.Minute, Cooldown: time.Second})

	if !b.Allow() {
		t.Fatal("expected Allow() to return true in closed state")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("expected closed state before threshold")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open state after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected Allow() to return false when open")
	}
	if b.RetryAfter() != time.Second {
		t.Errorf("expected RetryAfter 1s, got %v", b.RetryAfter())
	}
}

func TestBreaker_StreakOutsideWindowRestarts(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 3, Window: 10 * time.Second, Cooldown: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(11 * time.Second)

	// First failure of the streak is now outside the window
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatalf("expected closed state, got %s", b.State())
	}
	if b.Failures() != 1 {
		t.Errorf("expected streak restarted at 1, got %d", b.Failures())
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open after 3 failures within window, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: 2, Window: time.Minute, Cooldown: time.Second})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("expected closed state, non-consecutive failures must not open, got %s", b.State())
	}
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 2, Window: time.Minute, Cooldown: 50 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Error("expected Allow() to return false before cooldown")
	}

	clock.Advance(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected Allow() to return true after cooldown (half-open)")
	}
	if b.State() != HalfOpen {
		t.Errorf("expected half-open state, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected second concurrent probe to be rejected")
	}
}

func TestBreaker_ClosesOnSuccessInHalfOpen(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(15 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed state after success, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("expected Allow() after close")
	}
}

func TestBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(15 * time.Millisecond)
	b.Allow()

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open state after failure in half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected a fresh cooldown after failed probe")
	}
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	clock.Advance(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}

	b.Release()
	if b.State() != HalfOpen {
		t.Errorf("expected half-open after release, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("expected a new probe after release")
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state    State
		expected string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestRegistry_GetCreatesBreaker(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Second})

	b1 := r.Get("ibm_brisbane")
	b2 := r.Get("ibm_brisbane")
	b3 := r.Get("ibm_kyoto")

	if b1 != b2 {
		t.Error("expected same breaker for same key")
	}
	if b1 == b3 {
		t.Error("expected different breaker for different key")
	}

	if _, ok := r.Lookup("ibm_osaka"); ok {
		t.Error("Lookup must not create breakers")
	}
	if r.Stats().Total != 2 {
		t.Errorf("expected 2 breakers, got %d", r.Stats().Total)
	}
}

func TestRegistry_Stats(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	b1 := r.Get("backend-a")
	_ = r.Get("backend-b")
	_ = r.Get("backend-c")

	b1.RecordFailure()
	b1.RecordFailure()

	stats := r.Stats()
	if stats.Total != 3 {
		t.Errorf("expected 3 total, got %d", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("expected 1 open, got %d", stats.Open)
	}
	if stats.Closed != 2 {
		t.Errorf("expected 2 closed, got %d", stats.Closed)
	}
}
