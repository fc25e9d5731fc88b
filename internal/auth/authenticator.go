// Package auth obtains and caches short-lived cloud sessions.
//
// Strategies are tried in a fixed order (iam, then legacy), each at most once
// per authentication. The first success is cached until it is within the
// safety margin of expiry. Concurrent callers that find no valid session share
// one in-flight authentication.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/cloud"
	"quantumjobs/internal/credential"
	"quantumjobs/internal/observability"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Upstream is the subset of the cloud client used for authentication.
type Upstream interface {
	ExchangeIAMToken(ctx context.Context, apiKey string) (*cloud.IAMToken, error)
	LegacyLogin(ctx context.Context, apiKey string) (*cloud.LegacyToken, error)
}

// Config for Authenticator. Zero values use defaults.
type Config struct {
	ServiceContext   string        // attached to iam sessions
	SafetyMargin     time.Duration // default: 60s
	LegacySessionTTL time.Duration // used when legacy login returns no ttl (default: 15m)
	FlightTimeout    time.Duration // bound on a shared in-flight authentication (default: 30s)
}

func (c Config) withDefaults() Config {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 60 * time.Second
	}
	if c.LegacySessionTTL <= 0 {
		c.LegacySessionTTL = 15 * time.Minute
	}
	if c.FlightTimeout <= 0 {
		c.FlightTimeout = 30 * time.Second
	}
	return c
}

type strategy struct {
	name  cloud.Strategy
	login func(ctx context.Context) (*cloud.Session, error)
}

// Authenticator is the only writer of the session cache.
type Authenticator struct {
	vault      *credential.Vault
	upstream   Upstream
	config     Config
	strategies []strategy
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	session *cloud.Session
	flight  singleflight.Group
}

// New creates an Authenticator. metrics may be nil.
func New(vault *credential.Vault, upstream Upstream, cfg Config, metrics *observability.Metrics) *Authenticator {
	a := &Authenticator{
		vault:    vault,
		upstream: upstream,
		config:   cfg.withDefaults(),
		metrics:  metrics,
		logger:   slog.With("component", "auth"),
		now:      time.Now,
	}
	a.strategies = []strategy{
		{name: cloud.StrategyIAM, login: a.loginIAM},
		{name: cloud.StrategyLegacy, login: a.loginLegacy},
	}
	return a
}

// Authenticate returns a valid session, reusing the cache when possible.
func (a *Authenticator) Authenticate(ctx context.Context) (*cloud.Session, error) {
	if s := a.cached(); s != nil {
		return s, nil
	}

	// The shared attempt outlives any single caller's cancellation; each
	// caller still stops waiting when its own context ends.
	ch := a.flight.DoChan("authenticate", func() (any, error) {
		if s := a.cached(); s != nil {
			return s, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.FlightTimeout)
		defer cancel()
		return a.authenticate(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cloud.Session), nil
	}
}

// Invalidate drops sess from the cache if it is still the cached session.
// Called after a resource rejects the session with 401.
func (a *Authenticator) Invalidate(sess *cloud.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sess != nil && a.session == sess {
		a.session = nil
		a.logger.Info("Session invalidated", "strategy", sess.Strategy)
	}
}

// Current returns the cached session without authenticating, or nil.
func (a *Authenticator) Current() *cloud.Session {
	return a.cached()
}

func (a *Authenticator) cached() *cloud.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session.ValidAt(a.now(), a.config.SafetyMargin) {
		return a.session
	}
	return nil
}

func (a *Authenticator) authenticate(ctx context.Context) (*cloud.Session, error) {
	var errs error
	for _, s := range a.strategies {
		start := time.Now()
		sess, err := s.login(ctx)
		a.recordAttempt(ctx, s.name, err == nil, time.Since(start))
		if err == nil {
			a.store(sess)
			a.logger.Info("Authenticated",
				"strategy", sess.Strategy,
				"expiresAt", sess.ExpiresAt,
				"credential", a.vault)
			return sess, nil
		}
		a.logger.Warn("Authentication strategy failed",
			"strategy", s.name,
			"credential", a.vault,
			"error", err)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return nil, apperrors.AuthenticationFailed(errs)
}

func (a *Authenticator) store(sess *cloud.Session) {
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
}

func (a *Authenticator) loginIAM(ctx context.Context) (*cloud.Session, error) {
	tok, err := a.upstream.ExchangeIAMToken(ctx, a.vault.Reveal())
	if err != nil {
		return nil, err
	}
	now := a.now()
	expires := tok.ExpiresAt(now)
	if expires.IsZero() {
		expires = now.Add(a.config.LegacySessionTTL)
	}
	return &cloud.Session{
		AccessToken:    tok.AccessToken,
		Strategy:       cloud.StrategyIAM,
		ExpiresAt:      expires,
		ServiceContext: a.config.ServiceContext,
	}, nil
}

func (a *Authenticator) loginLegacy(ctx context.Context) (*cloud.Session, error) {
	tok, err := a.upstream.LegacyLogin(ctx, a.vault.Reveal())
	if err != nil {
		return nil, err
	}
	ttl := a.config.LegacySessionTTL
	if tok.TTL > 0 {
		ttl = time.Duration(tok.TTL) * time.Second
	}
	return &cloud.Session{
		AccessToken: tok.ID,
		Strategy:    cloud.StrategyLegacy,
		ExpiresAt:   a.now().Add(ttl),
	}, nil
}

func (a *Authenticator) recordAttempt(ctx context.Context, s cloud.Strategy, ok bool, d time.Duration) {
	if a.metrics != nil {
		a.metrics.RecordAuthAttempt(ctx, string(s), ok, d.Seconds())
	}
}

// WithSession runs fn with a valid session. If the resource rejects the
// session with 401, the session is invalidated and fn runs once more with a
// freshly authenticated one.
func (a *Authenticator) WithSession(ctx context.Context, fn func(*cloud.Session) error) error {
	sess, err := a.Authenticate(ctx)
	if err != nil {
		return err
	}
	err = fn(sess)
	if !cloud.IsUnauthorized(err) {
		return err
	}

	a.Invalidate(sess)
	sess, err = a.Authenticate(ctx)
	if err != nil {
		return err
	}
	return fn(sess)
}
