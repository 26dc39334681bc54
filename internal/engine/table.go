// Package engine is a reusable state-transition framework: a declared
// transition table, a capability gate, pluggable business rules, and an
// orchestrator that persists state changes atomically with their audit
// records. Concrete entity types plug in through the Lifecycle contract.
package engine

import (
	"fmt"
	"sort"
)

// State is one named point in an entity lifecycle.
type State string

// Transition is a directed edge between two states.
type Transition struct {
	From State
	To   State
}

func (t Transition) String() string {
	return string(t.From) + ">" + string(t.To)
}

// Table is the immutable set of legal transitions for one entity type.
// Built once at startup; there is no runtime edge injection.
type Table struct {
	edges map[State]map[State]struct{}
}

// NewTable builds a table from a state -> next-states map. Every edge
// target must itself be a declared key, so a typo fails here instead of
// surfacing later as a spurious invalid-transition error. A state mapped
// to an empty (or nil) slice is terminal. Self-transitions are legal only
// when explicitly listed.
func NewTable(edges map[State][]State) (*Table, error) {
	t := &Table{edges: make(map[State]map[State]struct{}, len(edges))}
	for from := range edges {
		t.edges[from] = make(map[State]struct{})
	}
	for from, tos := range edges {
		for _, to := range tos {
			if _, ok := t.edges[to]; !ok {
				return nil, fmt.Errorf("transition %s>%s targets undeclared state %q", from, to, to)
			}
			t.edges[from][to] = struct{}{}
		}
	}
	return t, nil
}

// Has reports whether the state is declared at all. An undeclared state is
// a configuration error, distinct from a terminal state.
func (t *Table) Has(s State) bool {
	_, ok := t.edges[s]
	return ok
}

// IsValid reports whether (from, to) is a declared edge.
func (t *Table) IsValid(from, to State) bool {
	_, ok := t.edges[from][to]
	return ok
}

// NextStates returns the declared outgoing edges of from, sorted. Terminal
// and undeclared states both yield an empty set.
func (t *Table) NextStates(from State) []State {
	out := make([]State, 0, len(t.edges[from]))
	for to := range t.edges[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// States returns every declared state, sorted.
func (t *Table) States() []State {
	out := make([]State, 0, len(t.edges))
	for s := range t.edges {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Terminal reports whether the state is declared with no outgoing edges.
func (t *Table) Terminal(s State) bool {
	set, ok := t.edges[s]
	return ok && len(set) == 0
}
