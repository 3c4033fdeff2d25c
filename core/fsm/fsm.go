// Package fsm holds the transition-table state machine shared by both
// transfer directions.
package fsm

import (
	"github.com/pkg/errors"
)

// State is a named protocol state.
type State string

// Table lists, for every state, the states it may move to.
type Table map[State]map[State]struct{}

// ErrInvalidTransition is returned when the table has no edge for a move.
var ErrInvalidTransition = errors.New("invalid state transition")

// Machine tracks the current state of one transaction.
type Machine struct {
	current     State
	transitions Table
}

// New creates a machine in the initial state.
func New(initial State, transitions Table) *Machine {
	return &Machine{
		current:     initial,
		transitions: transitions,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	return m.current
}

// Is reports whether the machine is in any of the given states.
func (m *Machine) Is(states ...State) bool {
	for _, s := range states {
		if m.current == s {
			return true
		}
	}
	return false
}

// Transition moves to next if the table allows it.
func (m *Machine) Transition(next State) error {
	if allowed, ok := m.transitions[m.current]; ok {
		if _, ok = allowed[next]; ok {
			m.current = next
			return nil
		}
	}

	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.current, next)
}

// Allows reports whether the table has an edge from -> to.
func (m *Machine) Allows(from, to State) bool {
	_, ok := m.transitions[from][to]
	return ok
}

// Edges builds a table row from a list of target states.
func Edges(states ...State) map[State]struct{} {
	row := make(map[State]struct{}, len(states))
	for _, s := range states {
		row[s] = struct{}{}
	}
	return row
}
