// Package catalog lists the remote backends available to the authenticated
// account and keeps the latest snapshot.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/cloud"
	"quantumjobs/internal/retry"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// flightTimeout bounds a shared refresh once callers stop waiting on it.
const flightTimeout = 30 * time.Second

const missingContextHint = "the iam session carries no service context; set QUANTUM_SERVICE_CRN to the service instance CRN"

// Backend describes one remote execution target. Snapshots are replaced
// wholesale, never edited.
type Backend struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Operational bool   `json:"operational"`
	QueueDepth  *int   `json:"queueDepth,omitempty"`
}

// Sessions supplies authenticated sessions.
type Sessions interface {
	WithSession(ctx context.Context, fn func(*cloud.Session) error) error
}

// Lister fetches the raw catalog document.
type Lister interface {
	ListBackends(ctx context.Context, sess *cloud.Session) (json.RawMessage, error)
}

// Catalog serves backend snapshots, refreshing after ttl.
type Catalog struct {
	sessions Sessions
	lister   Lister
	retry    *retry.Policy
	ttl      time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	snapshot  []Backend
	fetchedAt time.Time
	flight    singleflight.Group
}

// New creates a Catalog. A ttl of zero refreshes on every List.
func New(sessions Sessions, lister Lister, policy *retry.Policy, ttl time.Duration) *Catalog {
	return &Catalog{
		sessions: sessions,
		lister:   lister,
		retry:    policy,
		ttl:      ttl,
		timeout:  flightTimeout,
		logger:   slog.With("component", "catalog"),
		now:      time.Now,
	}
}

// List returns the current snapshot, refreshing it when stale.
func (c *Catalog) List(ctx context.Context) ([]Backend, error) {
	c.mu.RLock()
	snap, at := c.snapshot, c.fetchedAt
	c.mu.RUnlock()

	if snap != nil && c.ttl > 0 && c.now().Sub(at) < c.ttl {
		return clone(snap), nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches a new snapshot from the cloud. Concurrent refreshes share
// one call, which keeps running when the caller that started it goes away.
func (c *Catalog) Refresh(ctx context.Context) ([]Backend, error) {
	ch := c.flight.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]Backend)), nil
	}
}

// FirstOperational returns the first operational backend in catalog order.
func (c *Catalog) FirstOperational(ctx context.Context) (Backend, error) {
	backends, err := c.Refresh(ctx)
	if err != nil {
		return Backend{}, err
	}
	for _, b := range backends {
		if b.Operational {
			return b, nil
		}
	}
	return Backend{}, apperrors.NoBackendAvailable("no operational backend in catalog")
}

func (c *Catalog) fetch(ctx context.Context) ([]Backend, error) {
	var (
		raw  json.RawMessage
		used *cloud.Session
	)
	_, err := c.retry.Do(ctx, "catalog.list", "", func(ctx context.Context) error {
		return c.sessions.WithSession(ctx, func(sess *cloud.Session) error {
			used = sess
			var err error
			raw, err = c.lister.ListBackends(ctx, sess)
			return err
		})
	})
	if err != nil {
		if cloud.IsUnauthorized(err) || cloud.IsForbidden(err) {
			return nil, apperrors.AuthorizationFailed("catalog.list", "", hintFor(used), err)
		}
		return nil, err
	}

	backends, err := Parse(raw)
	if err != nil {
		return nil, apperrors.Internal("catalog.list", err)
	}

	c.mu.Lock()
	c.snapshot = backends
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug("Catalog refreshed", "backends", len(backends), "strategy", used.Strategy)
	return backends, nil
}

func hintFor(sess *cloud.Session) string {
	if sess != nil && sess.Strategy == cloud.StrategyIAM && sess.ServiceContext == "" {
		return missingContextHint
	}
	return ""
}

func clone(in []Backend) []Backend {
	out := make([]Backend, len(in))
	copy(out, in)
	return out
}
