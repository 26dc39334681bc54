package engine

import (
	"errors"
	"fmt"
)

// ErrStaleState is returned (usually wrapped) when the compare-and-set
// persistence write lost to a concurrent transition. Nothing was written
// and no audit record exists; the caller must re-read and retry or abort.
var ErrStaleState = errors.New("stale state: entity changed concurrently")

// InvalidTransitionError means the requested edge is not declared in the
// transition table.
type InvalidTransitionError struct {
	EntityType string
	From, To   State
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.EntityType, e.From, e.To)
}

// PermissionDeniedError means the edge is declared but the actor lacks a
// required capability.
type PermissionDeniedError struct {
	EntityType string
	From, To   State
	ActorID    string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %s may not move %s from %s to %s", e.ActorID, e.EntityType, e.From, e.To)
}

// UnknownStateError means the entity's stored state is not declared in the
// table at all — a configuration defect, not a lifecycle outcome. It is
// not audited.
type UnknownStateError struct {
	EntityType string
	State      State
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s state %q is not declared in the transition table", e.EntityType, e.State)
}
