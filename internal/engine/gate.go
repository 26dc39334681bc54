package engine

// Actor is the identity attempting a transition, with the capability set
// it holds. Capabilities come from RBAC storage or token claims; the
// engine only checks membership.
type Actor struct {
	ID           string
	Capabilities []string
}

func (a Actor) Can(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// UnlistedPolicy decides edges that appear in the table but not in the
// capability requirements map. The zero value denies: requiring every
// gated edge to be listed is the safer default, and workflows that want
// the permissive behavior must opt in explicitly.
type UnlistedPolicy int

const (
	DenyUnlisted UnlistedPolicy = iota
	AllowUnlisted
)

// Gate decides whether an actor may traverse an edge of a given entity.
type Gate[E any] interface {
	Check(from, to State, actor Actor, entity E) bool
}

// CapabilityGate maps transitions to the capabilities an actor must hold
// (AND semantics). Override layers additional allow-logic over the base
// check — e.g. the creator may always cancel their own draft — it can
// admit actors the list would reject, never the reverse.
type CapabilityGate[E any] struct {
	Requirements  map[Transition][]string
	UnlistedEdges UnlistedPolicy
	Override      func(from, to State, actor Actor, entity E) bool
}

func (g *CapabilityGate[E]) Check(from, to State, actor Actor, entity E) bool {
	if g.baseCheck(from, to, actor) {
		return true
	}
	return g.Override != nil && g.Override(from, to, actor, entity)
}

func (g *CapabilityGate[E]) baseCheck(from, to State, actor Actor) bool {
	required, ok := g.Requirements[Transition{From: from, To: to}]
	if !ok {
		return g.UnlistedEdges == AllowUnlisted
	}
	for _, capability := range required {
		if !actor.Can(capability) {
			return false
		}
	}
	return true
}

// Required returns the declared capability list for an edge, nil when the
// edge is unlisted.
func (g *CapabilityGate[E]) Required(from, to State) []string {
	return g.Requirements[Transition{From: from, To: to}]
}
