package settlementd

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a request is asked to move to a state
// the machine does not allow from its current one.
var ErrInvalidTransition = errors.New("settlementd: invalid state transition")

// State is the lifecycle position of a withdrawal request.
type State string

const (
	// StatePending is the initial state: rewards are linked and the request
	// awaits its first sweep.
	StatePending State = "PENDING"
	// StateSuccess is terminal: the transfer confirmed and linked rewards are
	// marked withdrawn.
	StateSuccess State = "SUCCESS"
	// StateFailed is terminal: the deadline lapsed or the transfer reverted;
	// linked rewards were released for re-aggregation.
	StateFailed State = "FAILED"
	// StateRetry marks a submit attempt that exhausted its in-sweep retries;
	// the next sweep picks the request up again.
	StateRetry State = "RETRY"
)

// transitions is the full allowed-edge set. Terminal states have no outgoing
// edges.
var transitions = map[State][]State{
	StatePending: {StateSuccess, StateFailed, StateRetry},
	StateRetry:   {StateSuccess, StateFailed, StateRetry},
	StateSuccess: {},
	StateFailed:  {},
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move and returns the next state.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}
