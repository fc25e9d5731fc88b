package job

import "fmt"

// State is a canonical job state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateRunning:   {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateRunning: {
		StateDone:      {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateDone:      {},
	StateFailed:    {},
	StateCancelled: {},
}

// ParseState validates s as a canonical state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("invalid job state: %q", s)
	}
	return st, nil
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// ValidateTransition returns an error unless from -> to is allowed.
func ValidateTransition(from, to State) error {
	if _, err := ParseState(string(from)); err != nil {
		return err
	}
	if _, err := ParseState(string(to)); err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid job transition: %s -> %s", from, to)
	}
	return nil
}
