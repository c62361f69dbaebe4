// Package fsm is a small table-driven state machine shared by the lifecycle,
// pharmacy and laboratory workflows.
package fsm

import (
	"context"

	"github.com/careflow/careflow/internal/platform/apperr"
)

// Guard may veto a transition that the table allows.
type Guard[S ~string] func(ctx context.Context, from, to S) error

type Machine[S ~string] struct {
	name      string
	edges     map[S]map[S]bool
	terminal  map[S]bool
	allowSelf map[S]bool
	guards    []Guard[S]
}

type Option[S ~string] func(*Machine[S])

// Terminal marks states that accept no further transitions.
func Terminal[S ~string](states ...S) Option[S] {
	return func(m *Machine[S]) {
		for _, s := range states {
			m.terminal[s] = true
		}
	}
}

// AllowSelf permits s -> s for the given non-terminal states.
func AllowSelf[S ~string](states ...S) Option[S] {
	return func(m *Machine[S]) {
		for _, s := range states {
			m.allowSelf[s] = true
		}
	}
}

func WithGuard[S ~string](g Guard[S]) Option[S] {
	return func(m *Machine[S]) { m.guards = append(m.guards, g) }
}

// New builds a machine from an adjacency table. A state missing from the
// table has no outgoing edges.
func New[S ~string](name string, table map[S][]S, opts ...Option[S]) *Machine[S] {
	m := &Machine[S]{
		name:      name,
		edges:     make(map[S]map[S]bool, len(table)),
		terminal:  make(map[S]bool),
		allowSelf: make(map[S]bool),
	}
	for from, tos := range table {
		set := make(map[S]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		m.edges[from] = set
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine[S]) Name() string { return m.name }

func (m *Machine[S]) IsTerminal(s S) bool { return m.terminal[s] }

// Can reports whether the table allows from -> to. Guards are not consulted.
func (m *Machine[S]) Can(from, to S) bool {
	if m.terminal[from] {
		return false
	}
	if from == to && m.allowSelf[from] {
		return true
	}
	return m.edges[from][to]
}

// Next lists the states reachable from s in one step.
func (m *Machine[S]) Next(s S) []S {
	if m.terminal[s] {
		return nil
	}
	var out []S
	if m.allowSelf[s] {
		out = append(out, s)
	}
	for to := range m.edges[s] {
		out = append(out, to)
	}
	return out
}

// Transition validates from -> to. Terminal sources yield a Conflict; edges
// absent from the table yield InvalidTransition.
func (m *Machine[S]) Transition(ctx context.Context, from, to S) error {
	if m.terminal[from] {
		return apperr.Conflict("already terminal: %s", from)
	}
	if !m.Can(from, to) {
		return apperr.InvalidTransition(string(from), string(to))
	}
	for _, g := range m.guards {
		if err := g(ctx, from, to); err != nil {
			return err
		}
	}
	return nil
}
