package orchestrator

import (
	"errors"
	"fmt"
	"sync"
)

// State is a cycle phase.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateDispatching State = "dispatching"
	StateAwaiting    State = "awaiting-results"
	StateReporting   State = "reporting"
)

var (
	// ErrInvalidTransition rejects an edge outside the cycle graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrCycleInProgress is returned when a cycle is requested while one runs.
	ErrCycleInProgress = errors.New("cycle already in progress")
)

// transitions is the cycle graph:
//
//	idle → scanning → dispatching → awaiting-results → reporting → idle
//	* → idle   (abort)
var transitions = map[State]State{
	StateIdle:        StateScanning,
	StateScanning:    StateDispatching,
	StateDispatching: StateAwaiting,
	StateAwaiting:    StateReporting,
	StateReporting:   StateIdle,
}

// CanTransition reports whether from → to is an edge of the cycle graph.
func CanTransition(from, to State) bool {
	if _, known := transitions[from]; !known {
		return false
	}
	return to == StateIdle || transitions[from] == to
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateIdle}
}

// Transition moves from → to. It fails if the machine is not in from or the
// edge is not allowed.
func (m *stateMachine) Transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: in %s, not %s", ErrInvalidTransition, m.state, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	return nil
}

// Abort returns the machine to idle from any state.
func (m *stateMachine) Abort() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
