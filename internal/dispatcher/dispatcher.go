// Package dispatcher submits jobs to remote backends and tracks each
// submitted job with its own poll loop until it reaches a terminal state.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/catalog"
	"quantumjobs/internal/cloud"
	"quantumjobs/internal/job"
	"quantumjobs/internal/notify"
	"quantumjobs/internal/observability"
	"quantumjobs/internal/reconcile"
	"quantumjobs/internal/retry"
	"quantumjobs/pkg/circuitbreaker"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Sessions supplies authenticated sessions.
type Sessions interface {
	Authenticate(ctx context.Context) (*cloud.Session, error)
	WithSession(ctx context.Context, fn func(*cloud.Session) error) error
}

// Remote is the job surface of the upstream cloud.
type Remote interface {
	Submit(ctx context.Context, sess *cloud.Session, backendID string, payload json.RawMessage) (string, error)
	Status(ctx context.Context, sess *cloud.Session, ref string) (*cloud.JobStatus, error)
	Result(ctx context.Context, sess *cloud.Session, ref string) (json.RawMessage, error)
	Cancel(ctx context.Context, sess *cloud.Session, ref string) error
}

// Catalog picks a backend when the caller names none.
type Catalog interface {
	FirstOperational(ctx context.Context) (catalog.Backend, error)
}

// Archive persists job snapshots. Optional.
type Archive interface {
	Save(ctx context.Context, j job.Job) error
}

// Deps are the collaborators of a Dispatcher. Notifier, Archive and Metrics
// may be nil.
type Deps struct {
	Store      *job.Store
	Sessions   Sessions
	Remote     Remote
	Catalog    Catalog
	Reconciler *reconcile.Reconciler
	Retry      *retry.Policy
	Notifier   notify.Notifier
	Archive    Archive
	Metrics    *observability.Metrics
}

// pollTask is the handle of one running poll loop.
type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// jobLock serializes Submit and Cancel on one job id. refs counts holders
// and waiters so the entry can be dropped when idle.
type jobLock struct {
	mu   sync.Mutex
	refs int
}

// Dispatcher owns submission, polling and cancellation of jobs.
type Dispatcher struct {
	store      *job.Store
	sessions   Sessions
	remote     Remote
	catalog    Catalog
	reconciler *reconcile.Reconciler
	retry      *retry.Policy
	notifier   notify.Notifier
	archive    Archive
	metrics    *observability.Metrics
	breakers   *circuitbreaker.Registry
	config     Config
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context // parent of every poll loop
	cancel context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*pollTask
	limiters map[string]*rate.Limiter
	locks    map[string]*jobLock
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      deps.Store,
		sessions:   deps.Sessions,
		remote:     deps.Remote,
		catalog:    deps.Catalog,
		reconciler: deps.Reconciler,
		retry:      deps.Retry,
		notifier:   deps.Notifier,
		archive:    deps.Archive,
		metrics:    deps.Metrics,
		breakers:   circuitbreaker.NewRegistry(cfg.Breaker),
		config:     cfg,
		logger:     slog.With("component", "dispatcher"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*pollTask),
		limiters:   make(map[string]*rate.Limiter),
		locks:      make(map[string]*jobLock),
	}
}

// Breakers exposes the per-backend circuit breakers for health reporting.
func (d *Dispatcher) Breakers() *circuitbreaker.Registry {
	return d.breakers
}

// Submit resolves a backend, sends payload to it and records the job.
//
// Failures before the payload leaves (no backend, open circuit,
// authentication) return an error and no job. Once the payload has been
// sent, a rejection or exhausted retries produce a job in failed state and a
// nil error.
func (d *Dispatcher) Submit(ctx context.Context, payload json.RawMessage, backendID string) (job.Job, error) {
	if backendID == "" {
		b, err := d.catalog.FirstOperational(ctx)
		if err != nil {
			return job.Job{}, err
		}
		backendID = b.ID
	}

	breaker := d.breakers.Get(backendID)
	if !breaker.Allow() {
		if d.metrics != nil {
			d.metrics.RecordCircuitRejected(ctx, backendID)
		}
		d.logger.Warn("Submission rejected, circuit open", "backendId", backendID, "retryAfter", breaker.RetryAfter())
		return job.Job{}, apperrors.BackendCircuitOpen(backendID)
	}

	if _, err := d.retry.Do(ctx, "auth.authenticate", backendID, func(ctx context.Context) error {
		_, err := d.sessions.Authenticate(ctx)
		return err
	}); err != nil {
		breaker.Release()
		return job.Job{}, err
	}

	var ref string
	retries, err := d.retry.Do(ctx, "cloud.submit", backendID, func(ctx context.Context) error {
		return d.sessions.WithSession(ctx, func(sess *cloud.Session) error {
			r, err := d.remote.Submit(ctx, sess, backendID, payload)
			ref = r
			return err
		})
	})
	if d.metrics != nil {
		d.metrics.RecordSubmissionRetries(ctx, backendID, retries)
	}

	if err != nil && (ctx.Err() != nil || errors.Is(err, apperrors.ErrAuthenticationFailed)) {
		breaker.Release()
		return job.Job{}, err
	}

	submittedAt := d.now().UTC()
	j := job.Job{
		ID:          uuid.NewString(),
		BackendID:   backendID,
		Payload:     payload,
		SubmittedAt: submittedAt,
		RetryCount:  retries,
	}

	if err != nil {
		err = classifySubmitError(backendID, err)
		if errors.Is(err, apperrors.ErrTransientFailureExhausted) {
			breaker.Release()
		} else {
			d.recordBreakerFailure(ctx, breaker, backendID)
		}
		j.State = job.StateFailed
		j.CompletedAt = &submittedAt
		j.Error = apperrors.ToInfo(err)
	} else {
		breaker.RecordSuccess()
		j.State = job.StateQueued
		j.ProviderJobRef = ref
	}

	// Held until the poll loop is registered, so a Cancel that sees the
	// new job also finds its poll loop.
	unlock := d.lockJob(j.ID)
	defer unlock()

	created, cerr := d.store.Create(j)
	if cerr != nil {
		return job.Job{}, apperrors.Internal("job.create", cerr)
	}

	log := d.logger.With("jobId", created.ID, "backendId", backendID)
	if err != nil {
		log.Warn("Submission failed", "kind", apperrors.Kind(err), "retries", retries, "error", err)
	} else {
		log.Info("Job submitted", "providerJobRef", ref, "retries", retries)
	}

	if d.metrics != nil {
		d.metrics.RecordJobCreated(ctx, backendID, created.State == job.StateQueued)
	}
	d.publish(ctx, job.Transition{
		JobID:     created.ID,
		BackendID: backendID,
		To:        created.State,
		At:        submittedAt,
		Version:   created.Version,
	}, created)

	if created.State == job.StateQueued {
		d.startPolling(created)
	}
	return created, nil
}

// classifySubmitError maps a final submission failure onto the error taxonomy.
func classifySubmitError(backendID string, err error) error {
	switch code := cloud.StatusCode(err); {
	case errors.Is(err, apperrors.ErrTransientFailureExhausted):
		return err
	case cloud.IsUnauthorized(err), cloud.IsForbidden(err):
		return apperrors.AuthorizationFailed("cloud.submit", backendID, "", err)
	case code >= 400 && code < 500:
		return apperrors.SubmissionRejected(backendID, err)
	default:
		return apperrors.Internal("cloud.submit", err)
	}
}

func (d *Dispatcher) recordBreakerFailure(ctx context.Context, b *circuitbreaker.Breaker, backendID string) {
	wasOpen := b.State() == circuitbreaker.Open
	b.RecordFailure()
	if !wasOpen && b.State() == circuitbreaker.Open {
		if d.metrics != nil {
			d.metrics.RecordCircuitOpened(ctx, backendID)
		}
		d.logger.Warn("Circuit opened", "backendId", backendID, "failures", b.Failures())
	}
}

// Cancel stops tracking a queued or running job and marks it cancelled. The
// poll loop is stopped before the local update. The remote cancel is
// best-effort and does not affect the result.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (job.CancelResult, error) {
	unlock := d.lockJob(id)
	res, err := d.cancelLocal(ctx, id)
	unlock()
	if err != nil || !res.Applied {
		return res, err
	}
	d.cancelRemote(ctx, res.Job)
	return res, nil
}

func (d *Dispatcher) cancelLocal(ctx context.Context, id string) (job.CancelResult, error) {
	current, err := d.store.Get(id)
	if err != nil {
		return job.CancelResult{}, err
	}
	if current.State.Terminal() {
		return raceLost(current), nil
	}

	d.stopPolling(id)

	now := d.now().UTC()
	var from job.State
	updated, err := d.store.Update(id, func(j *job.Job) error {
		if j.State.Terminal() {
			return errRaceLost
		}
		from = j.State
		j.State = job.StateCancelled
		j.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errRaceLost) {
		return raceLost(updated), nil
	}
	if err != nil {
		return job.CancelResult{}, err
	}

	d.logger.Info("Job cancelled", "jobId", id, "backendId", updated.BackendID, "from", from)
	if d.metrics != nil {
		d.metrics.RecordJobCancelled(ctx, updated.BackendID)
	}
	d.publish(ctx, job.Transition{
		JobID:     id,
		BackendID: updated.BackendID,
		From:      from,
		To:        job.StateCancelled,
		At:        now,
		Version:   updated.Version,
	}, updated)
	return job.CancelResult{Job: updated, Applied: true}, nil
}

// lockJob takes the per-job lock of id and returns its release.
func (d *Dispatcher) lockJob(id string) func() {
	d.mu.Lock()
	l, ok := d.locks[id]
	if !ok {
		l = &jobLock{}
		d.locks[id] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, id)
		}
		d.mu.Unlock()
	}
}

var errRaceLost = errors.New("job already terminal")

func raceLost(j job.Job) job.CancelResult {
	return job.CancelResult{Job: j, Applied: false, Reason: apperrors.KindCancellationRaceLost}
}

func (d *Dispatcher) cancelRemote(ctx context.Context, j job.Job) {
	if j.ProviderJobRef == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.CallTimeout)
	defer cancel()
	err := d.sessions.WithSession(cctx, func(sess *cloud.Session) error {
		return d.remote.Cancel(cctx, sess, j.ProviderJobRef)
	})
	if err != nil {
		d.logger.Warn("Remote cancel failed", "jobId", j.ID, "backendId", j.BackendID, "error", err)
	}
}

// Resume starts poll loops for jobs that were still in flight, typically
// after loading them from the archive.
func (d *Dispatcher) Resume(jobs []job.Job) int {
	resumed := 0
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		if j.ProviderJobRef == "" {
			d.logger.Warn("Cannot resume job without provider reference", "jobId", j.ID, "backendId", j.BackendID)
			continue
		}
		d.startPolling(j)
		resumed++
	}
	if resumed > 0 {
		d.logger.Info("Resumed polling", "jobs", resumed)
	}
	return resumed
}

// Active returns the number of running poll loops.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Close stops every poll loop and waits for them until ctx ends. Jobs keep
// their current state so a later Resume can pick them up.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "active", d.Active())
		return ctx.Err()
	}
}

// publish fans an applied transition out to the archive and notifier.
// Failures are logged; the job store stays authoritative.
func (d *Dispatcher) publish(ctx context.Context, t job.Transition, j job.Job) {
	if d.metrics != nil && t.From != "" {
		d.metrics.RecordJobTransition(ctx, t.BackendID, string(t.From), string(t.To))
	}
	d.save(ctx, j)
	if err := d.notifier.Notify(ctx, t, j); err != nil {
		d.logger.Debug("Transition not published", "jobId", j.ID, "to", t.To, "error", err)
	}
}

// save writes a snapshot to the archive, if any. Failures are logged.
func (d *Dispatcher) save(ctx context.Context, j job.Job) {
	if d.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.CallTimeout)
	defer cancel()
	if err := d.archive.Save(actx, j); err != nil {
		d.logger.Warn("Archive save failed", "jobId", j.ID, "version", j.Version, "error", err)
	}
}
