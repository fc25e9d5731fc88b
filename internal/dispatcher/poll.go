package dispatcher

import (
	"context"
	"encoding/json"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/cloud"
	"quantumjobs/internal/job"
	"quantumjobs/pkg/backoff"
	"time"

	"golang.org/x/time/rate"
)

// startPolling launches the poll loop for j unless one is already running.
func (d *Dispatcher) startPolling(j job.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, running := d.tasks[j.ID]; running {
		return
	}

	ctx, cancel := context.WithCancel(d.ctx)
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	d.tasks[j.ID] = task
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		defer close(task.done)
		defer d.removeTask(j.ID, task)
		defer cancel()
		d.poll(ctx, j.ID, j.BackendID, j.ProviderJobRef)
	}()
}

func (d *Dispatcher) removeTask(id string, task *pollTask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tasks[id] == task {
		delete(d.tasks, id)
	}
}

// stopPolling cancels the poll loop of id and waits for it to exit.
func (d *Dispatcher) stopPolling(id string) {
	d.mu.Lock()
	task, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

// limiter returns the token bucket shared by all poll loops of a backend.
func (d *Dispatcher) limiter(backendID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[backendID]
	if !ok {
		limit := rate.Inf
		if d.config.PollRate > 0 {
			limit = rate.Limit(d.config.PollRate)
		}
		l = rate.NewLimiter(limit, d.config.PollBurst)
		d.limiters[backendID] = l
	}
	return l
}

// poll asks the backend for status at a fixed interval until the job is
// terminal or ctx is cancelled. Consecutive errors back off exponentially up
// to PollBackoffMax.
func (d *Dispatcher) poll(ctx context.Context, id, backendID, ref string) {
	log := d.logger.With("jobId", id, "backendId", backendID)
	errBackoff := &backoff.Config{Initial: d.config.PollInterval, Max: d.config.PollBackoffMax}
	limiter := d.limiter(backendID)

	timer := time.NewTimer(d.config.PollInterval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if j, err := d.store.Get(id); err != nil || j.State.Terminal() {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		status, err := d.fetchStatus(ctx, backendID, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait := backoff.Exponential(failures, errBackoff)
			log.Warn("Status poll failed", "failures", failures, "retryIn", wait, "error", apperrors.Polling(backendID, err))
			timer.Reset(wait)
			continue
		}
		failures = 0

		if d.apply(ctx, id, status) {
			return
		}
		timer.Reset(d.config.PollInterval)
	}
}

func (d *Dispatcher) fetchStatus(ctx context.Context, backendID, ref string) (*cloud.JobStatus, error) {
	start := time.Now()
	var status *cloud.JobStatus
	err := d.sessions.WithSession(ctx, func(sess *cloud.Session) error {
		st, err := d.remote.Status(ctx, sess, ref)
		status = st
		return err
	})
	if d.metrics != nil {
		d.metrics.RecordPoll(ctx, backendID, err == nil, time.Since(start).Seconds())
	}
	return status, err
}

// apply reconciles one status report into the job and reports whether the
// job is now terminal. A queued job that reports success passes through
// running first.
func (d *Dispatcher) apply(ctx context.Context, id string, status *cloud.JobStatus) bool {
	current, err := d.store.Get(id)
	if err != nil {
		return true
	}
	if current.State.Terminal() {
		return true
	}

	dec := d.reconciler.Reconcile(current.State, status.Status)
	if !dec.Known {
		d.logger.Warn("Unknown provider status, state unchanged",
			"jobId", id, "backendId", current.BackendID, "status", status.Status, "state", current.State)
		if d.metrics != nil {
			d.metrics.RecordUnknownStatus(ctx, current.BackendID)
		}
	}

	if !dec.Changed(current.State) {
		if status.Status != current.ProviderStatus {
			updated, err := d.store.Update(id, func(j *job.Job) error {
				j.ProviderStatus = status.Status
				return nil
			})
			if err != nil {
				d.logger.Warn("Provider status not recorded", "jobId", id, "status", status.Status, "error", err)
				return false
			}
			d.save(ctx, updated)
		}
		return false
	}

	if current.State == job.StateQueued && dec.State == job.StateDone {
		if !d.transition(ctx, id, job.StateRunning, status) {
			return false
		}
	}
	if !d.transition(ctx, id, dec.State, status) {
		return false
	}

	if dec.State == job.StateDone {
		d.fetchResult(ctx, id)
	}
	return dec.State.Terminal()
}

// transition moves the job to next and publishes the change.
func (d *Dispatcher) transition(ctx context.Context, id string, next job.State, status *cloud.JobStatus) bool {
	now := d.now().UTC()
	var from job.State
	updated, err := d.store.Update(id, func(j *job.Job) error {
		from = j.State
		j.State = next
		j.ProviderStatus = status.Status
		switch next {
		case job.StateRunning:
			j.StartedAt = &now
		case job.StateDone:
			j.CompletedAt = &now
		case job.StateFailed:
			j.CompletedAt = &now
			j.Error = apperrors.ToInfo(apperrors.ExecutionFailed(j.BackendID, status.Status, status.Reason))
		}
		return nil
	})
	if err != nil {
		d.logger.Warn("Transition rejected", "jobId", id, "to", next, "error", err)
		return false
	}

	d.logger.Info("Job state changed", "jobId", id, "backendId", updated.BackendID, "from", from, "to", next, "providerStatus", status.Status)
	if d.metrics != nil && next.Terminal() {
		d.metrics.RecordJobCompleted(ctx, updated.BackendID, next == job.StateDone, now.Sub(updated.SubmittedAt).Seconds())
	}
	d.publish(ctx, job.Transition{
		JobID:     id,
		BackendID: updated.BackendID,
		From:      from,
		To:        next,
		At:        now,
		Version:   updated.Version,
	}, updated)
	return true
}

// fetchResult stores the provider result of a done job. Best-effort.
func (d *Dispatcher) fetchResult(ctx context.Context, id string) {
	j, err := d.store.Get(id)
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.CallTimeout)
	defer cancel()

	var result json.RawMessage
	err = d.sessions.WithSession(rctx, func(sess *cloud.Session) error {
		r, err := d.remote.Result(rctx, sess, j.ProviderJobRef)
		result = r
		return err
	})
	if err != nil {
		d.logger.Warn("Result fetch failed", "jobId", id, "backendId", j.BackendID, "error", err)
		return
	}

	updated, err := d.store.Update(id, func(j *job.Job) error {
		j.Result = result
		return nil
	})
	if err != nil {
		d.logger.Warn("Result not recorded", "jobId", id, "error", err)
		return
	}
	d.save(ctx, updated)
}
