// Package vstate tracks the lifecycle of a single connection attempt and
// rejects state changes that are not part of its transition table.
package vstate

import (
	"fmt"
	"sync"
)

// State is a comparable, printable lifecycle state.
type State interface {
	comparable
	fmt.Stringer
}

// Edge names one allowed move between two states.
type Edge[S State] struct {
	From S
	To   S
	Name string
}

type edgeKey[S State] struct {
	from, to S
}

// ChangeFunc is called after each successful transition while the machine
// lock is held; it must not call back into the machine.
type ChangeFunc[S State] func(from, to S, name string)

// Machine holds the current state and the set of allowed edges.
type Machine[S State] struct {
	mu      sync.Mutex
	current S
	edges   map[edgeKey[S]]string
	notify  ChangeFunc[S]
}

// New returns a machine in state initial that permits only the given edges.
func New[S State](initial S, edges []Edge[S], notify ChangeFunc[S]) *Machine[S] {
	m := &Machine[S]{
		current: initial,
		edges:   make(map[edgeKey[S]]string, len(edges)),
		notify:  notify,
	}
	for _, e := range edges {
		m.edges[edgeKey[S]{e.From, e.To}] = e.Name
	}
	return m
}

// TransitionError is returned when an edge is not in the table.
type TransitionError[S State] struct {
	From S
	To   S
}

func (e *TransitionError[S]) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// To moves the machine to state to.
func (m *Machine[S]) To(to S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	name, ok := m.edges[edgeKey[S]{from, to}]
	if !ok {
		return &TransitionError[S]{From: from, To: to}
	}
	m.current = to
	if m.notify != nil {
		m.notify(from, to, name)
	}
	return nil
}

// Can reports whether the current state has an edge to to.
func (m *Machine[S]) Can(to S) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.edges[edgeKey[S]{m.current, to}]
	return ok
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// In reports whether the current state is one of states.
func (m *Machine[S]) In(states ...S) bool {
	c := m.Current()
	for _, s := range states {
		if s == c {
			return true
		}
	}
	return false
}
