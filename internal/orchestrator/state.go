package orchestrator

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of one investigation run.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateLooping      State = "LOOPING"
	StateFinalizing   State = "FINALIZING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// ErrInvalidState is returned for a transition the state table does not allow.
var ErrInvalidState = errors.New("invalid run state transition")

var validTransitions = map[State][]State{
	StateInitializing: {StateLooping, StateFailed},
	StateLooping:      {StateFinalizing, StateFailed},
	StateFinalizing:   {StateDone, StateFailed},
	StateDone:         {}, // terminal
	StateFailed:       {}, // terminal
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

func validateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidState, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidState, from, to)
}
