package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"stateline/internal/audit"
)

// Lifecycle is the contract a concrete entity type implements once and
// injects into the engine. Implementations may additionally satisfy
// PreHook and/or PostHook; both default to no-ops.
type Lifecycle[E any] interface {
	EntityType() string
	EntityID(entity E) string
	CurrentState(entity E) State
	SetCurrentState(entity E, s State)
	// StateFieldName names the persisted state column so stores can build
	// their compare-and-set query.
	StateFieldName() string
	// ValidateBusinessRules must be side-effect-free: it may read entity
	// and related state but must not persist anything.
	ValidateBusinessRules(ctx context.Context, from, to State, tc Context, entity E) ValidationResult
}

// PreHook runs before the persistence write. It may mutate entity fields
// (timestamps, computed values) but must not persist; mutations are folded
// into the single atomic write.
type PreHook[E any] interface {
	PreTransition(ctx context.Context, from, to State, tc Context, entity E) error
}

// PostHook runs after the write has committed. Best-effort: a failure is
// logged and surfaced as a warning, never a rollback.
type PostHook[E any] interface {
	PostTransition(ctx context.Context, from, to State, tc Context, entity E) error
}

// Store persists a transition. Commit must write the entity's new state
// with compare-and-set on the previous state and append rec in the same
// transaction — both succeed or neither does. A lost race yields an error
// wrapping ErrStaleState.
type Store[E any] interface {
	Commit(ctx context.Context, entity E, from, to State, rec audit.Record) error
}

// Engine orchestrates transitions for one entity type. It is stateless
// between calls; all state lives in the entity and the injected
// configuration, so one Engine serves any number of concurrent callers.
type Engine[E any] struct {
	Table     *Table
	Gate      Gate[E]
	Lifecycle Lifecycle[E]
	Store     Store[E]
	Audit     audit.Sink
	Logger    *log.Logger
	Now       func() time.Time
	NewID     func() string
}

func New[E any](table *Table, gate Gate[E], lc Lifecycle[E], store Store[E], sink audit.Sink) *Engine[E] {
	return &Engine[E]{
		Table:     table,
		Gate:      gate,
		Lifecycle: lc,
		Store:     store,
		Audit:     sink,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (e *Engine[E]) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine[E]) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine[E]) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// ValidNextStates returns the declared outgoing edges of s.
func (e *Engine[E]) ValidNextStates(s State) []State {
	return e.Table.NextStates(s)
}

// CanTransition combines the table and gate checks only; business rules
// are not consulted.
func (e *Engine[E]) CanTransition(entity E, to State, actor Actor) bool {
	from := e.Lifecycle.CurrentState(entity)
	if !e.Table.Has(from) || !e.Table.IsValid(from, to) {
		return false
	}
	return e.Gate.Check(from, to, actor, entity)
}

// Validate is the read-only preview of Transition: same checks, no writes,
// no audit records, safe to call any number of times. Structural and
// permission failures come back as the same typed errors Transition uses;
// the business-rule verdict is returned verbatim.
func (e *Engine[E]) Validate(ctx context.Context, entity E, to State, tc Context) (ValidationResult, error) {
	from := e.Lifecycle.CurrentState(entity)
	if !e.Table.Has(from) {
		return ValidationResult{}, UnknownStateError{EntityType: e.Lifecycle.EntityType(), State: from}
	}
	if !e.Table.IsValid(from, to) {
		return ValidationResult{}, InvalidTransitionError{EntityType: e.Lifecycle.EntityType(), From: from, To: to}
	}
	if !e.Gate.Check(from, to, tc.Actor, entity) {
		return ValidationResult{}, PermissionDeniedError{EntityType: e.Lifecycle.EntityType(), From: from, To: to, ActorID: tc.Actor.ID}
	}
	return e.Lifecycle.ValidateBusinessRules(ctx, from, to, tc, entity).normalize(), nil
}

// Transition moves the entity to the target state. Structural and
// permission failures return typed errors and are always audited — they
// are security-relevant even though they never touch the entity. A
// business-rule violation is data, not control flow: it returns a failed
// Result with a nil error, audited as rule_violation. A stale-state
// conflict from the store propagates with no audit record, since from the
// engine's perspective nothing happened.
func (e *Engine[E]) Transition(ctx context.Context, entity E, to State, tc Context) (Result, error) {
	from := e.Lifecycle.CurrentState(entity)
	res := Result{From: from, To: to, CorrelationID: e.newID()}

	if !e.Table.Has(from) {
		err := UnknownStateError{EntityType: e.Lifecycle.EntityType(), State: from}
		res.ErrorMessage = err.Error()
		return res, err
	}
	if !e.Table.IsValid(from, to) {
		err := InvalidTransitionError{EntityType: e.Lifecycle.EntityType(), From: from, To: to}
		res.ErrorMessage = err.Error()
		if auditErr := e.Audit.Append(ctx, e.record(entity, from, to, tc, res.CorrelationID, audit.OutcomeInvalid)); auditErr != nil {
			return res, fmt.Errorf("audit invalid transition: %w", auditErr)
		}
		return res, err
	}
	if !e.Gate.Check(from, to, tc.Actor, entity) {
		err := PermissionDeniedError{EntityType: e.Lifecycle.EntityType(), From: from, To: to, ActorID: tc.Actor.ID}
		res.ErrorMessage = err.Error()
		if auditErr := e.Audit.Append(ctx, e.record(entity, from, to, tc, res.CorrelationID, audit.OutcomeDenied)); auditErr != nil {
			return res, fmt.Errorf("audit denied transition: %w", auditErr)
		}
		return res, err
	}

	vr := e.Lifecycle.ValidateBusinessRules(ctx, from, to, tc, entity).normalize()
	res.Warnings = vr.Warnings
	if !vr.Success {
		res.Errors = vr.Errors
		res.ErrorMessage = strings.Join(vr.Errors, "; ")
		rec := e.record(entity, from, to, tc, res.CorrelationID, audit.OutcomeRuleViolation)
		rec.Comments = joinComments(tc.Comment, res.ErrorMessage)
		if auditErr := e.Audit.Append(ctx, rec); auditErr != nil {
			return res, fmt.Errorf("audit rule violation: %w", auditErr)
		}
		return res, nil
	}

	if pre, ok := e.Lifecycle.(PreHook[E]); ok {
		if err := pre.PreTransition(ctx, from, to, tc, entity); err != nil {
			res.ErrorMessage = err.Error()
			return res, fmt.Errorf("pre-transition hook: %w", err)
		}
	}

	e.Lifecycle.SetCurrentState(entity, to)
	rec := e.record(entity, from, to, tc, res.CorrelationID, audit.OutcomeSuccess)
	if err := e.Store.Commit(ctx, entity, from, to, rec); err != nil {
		// Restore the in-memory state so the caller sees what is stored.
		e.Lifecycle.SetCurrentState(entity, from)
		res.ErrorMessage = err.Error()
		return res, err
	}

	if post, ok := e.Lifecycle.(PostHook[E]); ok {
		if err := post.PostTransition(ctx, from, to, tc, entity); err != nil {
			e.logger().Printf("post-transition hook failed: %s %s %s->%s: %v",
				e.Lifecycle.EntityType(), e.Lifecycle.EntityID(entity), from, to, err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("post-transition hook failed: %v", err))
		}
	}

	res.Success = true
	return res, nil
}

func (e *Engine[E]) record(entity E, from, to State, tc Context, correlationID string, outcome audit.Outcome) audit.Record {
	return audit.Record{
		EntityType:    e.Lifecycle.EntityType(),
		EntityID:      e.Lifecycle.EntityID(entity),
		FromState:     string(from),
		ToState:       string(to),
		ActorID:       tc.Actor.ID,
		CorrelationID: correlationID,
		Timestamp:     e.now(),
		Comments:      tc.Comment,
		Outcome:       outcome,
		Metadata:      tc.Metadata,
	}
}

func joinComments(comment, detail string) string {
	if comment == "" {
		return detail
	}
	if detail == "" {
		return comment
	}
	return comment + ": " + detail
}
