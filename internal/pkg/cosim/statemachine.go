package cosim

import "log"

type stateIn struct {
	initialized bool
	terminated  bool
}

type state interface {
	name() string             // name of state
	transition(stateIn) state // transition check function
}

type initState struct{}

func (initState) name() string {
	return "INIT"
}

func (initState) transition(in stateIn) state {
	if in.terminated {
		return terminatedState{}
	}
	if in.initialized {
		return runningState{}
	}
	return initState{}
}

type runningState struct{}

func (runningState) name() string {
	return "RUNNING"
}

func (runningState) transition(in stateIn) state {
	if in.terminated {
		return terminatedState{}
	}
	return runningState{}
}

type terminatedState struct{}

func (terminatedState) name() string {
	return "TERMINATED"
}

func (terminatedState) transition(stateIn) state {
	return terminatedState{}
}

type stateMachine struct {
	currentState state
}

func (s *stateMachine) run(in stateIn) {
	next := s.currentState.transition(in)
	if next.name() != s.currentState.name() {
		log.Printf("[Cosim] state: %v\n", next.name())
	}
	s.currentState = next
}
