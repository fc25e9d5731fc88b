// Package notify publishes job state transitions to external listeners.
//
// Publishing is best-effort and never blocks or fails the transition that
// triggered it. Job state lives in the job store; a lost notification can be
// recovered by querying the job.
package notify

import (
	"context"
	"errors"
	"quantumjobs/internal/job"
)

// ErrBufferFull is returned when the notifier's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier is closed")

// Notifier publishes transitions.
type Notifier interface {
	// Notify publishes t for j. Implementations must not block on the network.
	Notify(ctx context.Context, t job.Transition, j job.Job) error

	// Close flushes what it can within ctx and releases resources.
	Close(ctx context.Context) error
}

// Multi fans a transition out to several notifiers.
type Multi []Notifier

// Notify calls every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, t job.Transition, j job.Job) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, t, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every notifier and joins their errors.
func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, n := range m {
		if err := n.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, job.Transition, job.Job) error { return nil }
func (Nop) Close(context.Context) error                          { return nil }
