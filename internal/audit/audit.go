// Package audit records every state-transition attempt as an immutable,
// append-only trail. Records are owned by the sink once written; nothing
// mutates them afterwards.
package audit

import (
	"context"
	"time"
)

// Outcome classifies one transition attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeDenied        Outcome = "denied"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeRuleViolation Outcome = "rule_violation"
)

// Record is one audit entry, successful or not.
type Record struct {
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	FromState     string            `json:"from_state"`
	ToState       string            `json:"to_state"`
	ActorID       string            `json:"actor_id"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Comments      string            `json:"comments,omitempty"`
	Outcome       Outcome           `json:"outcome"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Sink is an append-only audit store. ByEntity returns records oldest
// first; each call is a fresh finite query, not a live stream.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	ByEntity(ctx context.Context, entityType, entityID string) ([]Record, error)
}
