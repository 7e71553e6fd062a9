package virtualdrivetrain

import (
	"fmt"
	"log"

	"github.com/ohowland/wtcosim/internal/pkg/mechanical"
)

// call is a lifecycle call of the co-simulation contract
type call string

type stateMachine struct {
	currentState state
}

// run applies c to the current state and rejects calls out of order.
func (s *stateMachine) run(c call) error {
	next, ok := s.currentState.transition(c)
	if !ok {
		if _, done := s.currentState.(terminatedState); done {
			return fmt.Errorf("%v after terminate: %w", c, mechanical.ErrTerminated)
		}
		return fmt.Errorf("%v in state %v: %w", c, s.currentState.name(), mechanical.ErrNotInitialized)
	}
	if next.name() != s.currentState.name() {
		log.Printf("[VirtualDrivetrain] state: %v\n", next.name())
	}
	s.currentState = next
	return nil
}

type state interface {
	name() string
	transition(call) (state, bool)
}

type freeState struct{}

func (s freeState) name() string {
	return "FREE"
}

func (s freeState) transition(c call) (state, bool) {
	if c == "Instantiate" {
		return instantiatedState{}, true
	}
	return s, false
}

type instantiatedState struct {
	setup bool
}

func (s instantiatedState) name() string {
	return "INSTANTIATED"
}

func (s instantiatedState) transition(c call) (state, bool) {
	switch c {
	case "SetupExperiment":
		return instantiatedState{setup: true}, true
	case "EnterInitializationMode":
		if s.setup {
			return initializationState{}, true
		}
	}
	return s, false
}

type initializationState struct{}

func (s initializationState) name() string {
	return "INITIALIZATION"
}

func (s initializationState) transition(c call) (state, bool) {
	if c == "ExitInitializationMode" {
		return steppingState{}, true
	}
	return s, false
}

type steppingState struct{}

func (s steppingState) name() string {
	return "STEPPING"
}

func (s steppingState) transition(c call) (state, bool) {
	switch c {
	case "DoStep":
		return s, true
	case "Terminate":
		return terminatedState{}, true
	}
	return s, false
}

type terminatedState struct{}

func (s terminatedState) name() string {
	return "TERMINATED"
}

func (s terminatedState) transition(c call) (state, bool) {
	return s, false
}
