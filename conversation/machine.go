// Package conversation holds the talk-surface lifecycle as an explicit
// finite-state machine. The machine is a guarded state cell: no timers,
// no I/O. Illegal transition requests are routine races (double taps,
// late server events), so they are logged and absorbed, never raised.
package conversation

import (
	"sync"

	"github.com/rs/zerolog"
)

// State is the single conversation lifecycle value.
type State int

const (
	Idle State = iota
	Listening
	Capturing
	Committing
	Accumulating
	Thinking
	Responding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Capturing:
		return "capturing"
	case Committing:
		return "committing"
	case Accumulating:
		return "accumulating"
	case Thinking:
		return "thinking"
	case Responding:
		return "responding"
	default:
		return "unknown"
	}
}

// transitions is the full table of legal directed edges. Anything not
// listed is rejected.
var transitions = map[State][]State{
	Idle:         {Listening},
	Listening:    {Capturing, Idle},
	Capturing:    {Committing, Accumulating, Idle, Responding},
	Committing:   {Thinking, Idle},
	Accumulating: {Capturing, Thinking, Idle},
	Thinking:     {Responding, Idle, Listening},
	Responding:   {Listening, Idle, Capturing},
}

// Machine owns the current state. All mutation goes through Transition.
type Machine struct {
	mu      sync.Mutex
	state   State
	lastErr string
	logger  zerolog.Logger
}

func NewMachine(logger zerolog.Logger) *Machine {
	return &Machine{state: Idle, logger: logger}
}

// State returns the current value.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition applies the edge state→to if it is in the table and reports
// whether it was applied. A legal transition clears any stored error; a
// rejected one leaves the state untouched and records the rejection for
// diagnostics.
func (m *Machine) Transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, legal := range transitions[m.state] {
		if legal == to {
			m.logger.Debug().
				Stringer("from", m.state).
				Stringer("to", to).
				Msg("transition")
			m.state = to
			m.lastErr = ""
			return true
		}
	}

	m.lastErr = "illegal transition " + m.state.String() + " -> " + to.String()
	m.logger.Warn().
		Stringer("from", m.state).
		Stringer("to", to).
		Msg("transition rejected")
	return false
}

// Force sets the state unconditionally. Reserved for the barge-in path,
// which deliberately bypasses the table's entry point, and for hard
// resets on session teardown.
func (m *Machine) Force(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Debug().
		Stringer("from", m.state).
		Stringer("to", to).
		Msg("forced transition")
	m.state = to
	m.lastErr = ""
}

// LastRejection returns the most recent rejection reason, empty after any
// successful transition.
func (m *Machine) LastRejection() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
