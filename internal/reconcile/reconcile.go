// Package reconcile maps provider status strings onto canonical job states.
package reconcile

import (
	"fmt"
	"quantumjobs/internal/job"
	"strings"
	"unicode"
)

// builtin is the provider vocabulary known out of the box, across both API
// generations. Provider-side cancellation maps to failed: cancelled is
// reserved for cancellations requested through this service.
var builtin = map[job.State][]string{
	job.StateQueued: {
		"QUEUED", "PENDING", "VALIDATING", "INITIALIZING", "CREATING", "CREATED", "VALIDATED",
	},
	job.StateRunning: {
		"RUNNING", "IN_PROGRESS", "EXECUTING",
	},
	job.StateDone: {
		"COMPLETED", "DONE", "SUCCEEDED", "SUCCESS",
	},
	job.StateFailed: {
		"FAILED", "ERROR", "ERROR_RUNNING_JOB", "ERROR_VALIDATING_JOB", "ERROR_CREATING_JOB",
		"ERROR_TRANSPILING_JOB", "CANCELLED", "CANCELED", "CANCELLED_RAN_TOO_LONG",
	},
}

// Decision is the outcome of reconciling one provider status.
type Decision struct {
	State      job.State // state to apply; equals current when nothing changes
	Known      bool      // false when the status is not in the vocabulary
	Normalized string    // normalized provider status
}

// Changed reports whether the decision moves the job.
func (d Decision) Changed(current job.State) bool {
	return d.State != current
}

// Reconciler holds an immutable vocabulary table. Safe for concurrent use.
type Reconciler struct {
	vocab map[string]job.State
}

// New builds a reconciler from the built-in table plus overrides. Overrides
// win on conflict. Mapping anything to cancelled is rejected.
func New(overrides map[job.State][]string) (*Reconciler, error) {
	vocab := make(map[string]job.State)
	for state, words := range builtin {
		for _, w := range words {
			vocab[Normalize(w)] = state
		}
	}
	for state, words := range overrides {
		if _, err := job.ParseState(string(state)); err != nil {
			return nil, err
		}
		if state == job.StateCancelled {
			return nil, fmt.Errorf("provider statuses cannot map to %s", job.StateCancelled)
		}
		for _, w := range words {
			n := Normalize(w)
			if n == "" {
				return nil, fmt.Errorf("empty provider status mapped to %s", state)
			}
			vocab[n] = state
		}
	}
	return &Reconciler{vocab: vocab}, nil
}

// Reconcile maps raw onto a canonical state given the job's current state.
// Unknown statuses and backward moves leave the state unchanged. Terminal
// jobs never move.
func (r *Reconciler) Reconcile(current job.State, raw string) Decision {
	n := Normalize(raw)
	target, known := r.vocab[n]
	d := Decision{State: current, Known: known, Normalized: n}
	if !known || current.Terminal() || target == current {
		return d
	}
	// queued -> done is applied by callers as queued -> running -> done.
	if job.CanTransition(current, target) || (current == job.StateQueued && target == job.StateDone) {
		d.State = target
	}
	return d
}

// Normalize upper-cases s and collapses runs of other characters into a
// single underscore, so "In progress" and "IN_PROGRESS" compare equal.
func Normalize(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		pendingSep = true
	}
	return b.String()
}
