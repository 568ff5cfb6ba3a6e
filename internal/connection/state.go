package connection

import (
	"fmt"
	"sync"
)

// State is the connection lifecycle state. Exactly one exists per client,
// mutated only by the Machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransitionError reports a state transition the machine does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// transitions lists the allowed moves. An explicit disconnect is allowed
// from any state and is handled separately.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed},
	StateConnected:    {StateReconnecting},
	StateReconnecting: {StateConnected, StateFailed},
	StateFailed:       {StateConnecting}, // only via an explicit connect call
}

// Machine enforces connection state transitions. Observers are notified
// outside the lock.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewMachine creates a machine in the Disconnected state. onChange may be
// nil.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{state: StateDisconnected, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves the machine to a new state, enforcing the transition table.
// Moving to the current state is a no-op. Disconnected is reachable from
// every state.
func (m *Machine) To(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if to != StateDisconnected && !allowed(from, to) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	m.state = to
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify(from, to)
	}
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
