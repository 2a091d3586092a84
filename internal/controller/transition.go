package controller

import (
	"errors"
	"fmt"

	"github.com/user/runguard/internal/types"
)

var (
	// ErrInvalidTransition is returned for any transition the table forbids,
	// including every transition out of a terminal state.
	ErrInvalidTransition = errors.New("invalid agent state transition")
	// ErrIterationLimitExceeded is the cause recorded when a run exhausts its
	// iteration budget.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")
	// ErrInvalidAction is the cause recorded when a step returns something
	// other than an agent action.
	ErrInvalidAction = errors.New("agent returned a non-action event")
)

// ReasonIterationLimit is the reason attached to the error state entered
// when the budget runs out.
const ReasonIterationLimit = "IterationLimitExceeded"

// TransitionError describes a rejected state change.
type TransitionError struct {
	From types.AgentState
	To   types.AgentState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition agent from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

var transitions = map[types.AgentState][]types.AgentState{
	types.StateLoading: {
		types.StateRunning, types.StateAwaitingUserInput, types.StateStopped, types.StateError,
	},
	types.StateRunning: {
		types.StateAwaitingUserInput, types.StatePaused, types.StateFinished, types.StateError, types.StateStopped,
	},
	types.StateAwaitingUserInput: {
		types.StateRunning, types.StateFinished, types.StateStopped, types.StateError,
	},
	types.StatePaused: {
		types.StateRunning, types.StateStopped, types.StateError,
	},
}

// checkTransition reports whether from may move to to. Terminal sources fail
// even for a same-state request; other same-state requests are no-ops.
func checkTransition(from, to types.AgentState) (noop bool, err error) {
	if from.IsTerminal() {
		return false, &TransitionError{From: from, To: to}
	}
	if from == to {
		return true, nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return false, nil
		}
	}
	return false, &TransitionError{From: from, To: to}
}

// extendedBudget is the maximum after a qualifying user message: the current
// iteration plus the initial allowance. It never accumulates earlier
// extensions.
func extendedBudget(iteration, initial int) int {
	return iteration + initial
}

// limitReached reports whether a run at iteration has used its budget.
func limitReached(iteration, maxIterations int) bool {
	return iteration >= maxIterations
}
