// Package workorder binds the generic transition engine to the work-order
// entity: its state graph, edge capabilities, business rules, hooks, and
// SQL-backed store.
package workorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stateline/internal/audit"
	"stateline/internal/config"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/notify"
	"stateline/internal/repo"
)

const EntityType = "work_order"

const (
	StatusDraft      engine.State = "draft"
	StatusSubmitted  engine.State = "submitted"
	StatusApproved   engine.State = "approved"
	StatusRejected   engine.State = "rejected"
	StatusAssigned   engine.State = "assigned"
	StatusInProgress engine.State = "in_progress"
	StatusOnHold     engine.State = "on_hold"
	StatusCompleted  engine.State = "completed"
	StatusClosed     engine.State = "closed"
	StatusCanceled   engine.State = "canceled"
)

// Lifecycle implements the engine contracts for work orders.
type Lifecycle struct {
	Queue *notify.Queue
	Now   func() time.Time
}

func (l Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (Lifecycle) EntityType() string { return EntityType }

func (Lifecycle) EntityID(wo *domain.WorkOrder) string { return wo.ID }

func (Lifecycle) CurrentState(wo *domain.WorkOrder) engine.State {
	return engine.State(wo.Status)
}

func (Lifecycle) SetCurrentState(wo *domain.WorkOrder, s engine.State) {
	wo.Status = string(s)
}

func (Lifecycle) StateFieldName() string { return "status" }

func (Lifecycle) ValidateBusinessRules(_ context.Context, _, to engine.State, _ engine.Context, wo *domain.WorkOrder) engine.ValidationResult {
	var errs, warnings []string
	switch to {
	case StatusSubmitted:
		if wo.EstimatedCostCents <= 0 {
			errs = append(errs, "Estimated cost must be positive before submission")
		}
	case StatusApproved:
		if wo.Vendor == nil || *wo.Vendor == "" {
			errs = append(errs, "Vendor must be assigned before approval")
		}
	case StatusAssigned:
		if wo.AssigneeID == nil || *wo.AssigneeID == "" {
			errs = append(errs, "Assignee must be set before dispatch")
		}
	case StatusCompleted:
		if wo.ActualCostCents == nil {
			errs = append(errs, "Actual cost must be recorded before completion")
		} else if *wo.ActualCostCents > wo.EstimatedCostCents {
			warnings = append(warnings, fmt.Sprintf("actual cost %d exceeds estimate %d", *wo.ActualCostCents, wo.EstimatedCostCents))
		}
	}
	if len(errs) > 0 {
		return engine.ValidationResult{Errors: errs, Warnings: warnings}
	}
	return engine.Pass(warnings...)
}

// PreTransition stamps lifecycle timestamps. The mutations ride along in
// the store's single atomic write.
func (l Lifecycle) PreTransition(_ context.Context, _, to engine.State, _ engine.Context, wo *domain.WorkOrder) error {
	now := l.now().UTC().Format(time.RFC3339)
	switch to {
	case StatusApproved:
		wo.ApprovedAt = &now
	case StatusCompleted:
		wo.CompletedAt = &now
	}
	return nil
}

// PostTransition enqueues an outbox notification. Runs after commit;
// failures degrade to a warning on the result.
func (l Lifecycle) PostTransition(ctx context.Context, from, to engine.State, tc engine.Context, wo *domain.WorkOrder) error {
	if l.Queue == nil {
		return nil
	}
	return l.Queue.Enqueue(ctx, EntityType, wo.ID, fmt.Sprintf("work_order.%s", to), map[string]any{
		"from":     string(from),
		"to":       string(to),
		"actor_id": tc.Actor.ID,
		"title":    wo.Title,
	})
}

// Store commits the compare-and-set state write and the success audit row
// in one transaction.
type Store struct {
	Repo  repo.Repo
	Audit audit.Writer
	Now   func() time.Time
}

func (s Store) Commit(ctx context.Context, wo *domain.WorkOrder, from, _ engine.State, rec audit.Record) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	wo.UpdatedAt = now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateWorkOrderStateTx(ctx, tx, *wo, string(from)); err != nil {
		return err
	}
	if err := s.Audit.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// NewEngine assembles a work-order engine from the workflow config. The
// gate override lets the creator cancel their own draft without holding
// work_order.cancel.
func NewEngine(conn *sql.DB, cfg *config.Config, queue *notify.Queue) (*engine.Engine[*domain.WorkOrder], error) {
	wf, ok := cfg.Workflows[EntityType]
	if !ok {
		return nil, errors.New("config declares no work_order workflow")
	}
	table, err := wf.Table()
	if err != nil {
		return nil, err
	}
	reqs, err := wf.Requirements()
	if err != nil {
		return nil, err
	}
	gate := &engine.CapabilityGate[*domain.WorkOrder]{
		Requirements:  reqs,
		UnlistedEdges: wf.Policy(),
		Override: func(from, to engine.State, actor engine.Actor, wo *domain.WorkOrder) bool {
			return from == StatusDraft && to == StatusCanceled && actor.ID == wo.CreatorID
		},
	}
	r := repo.Repo{DB: conn}
	lc := Lifecycle{Queue: queue}
	store := Store{Repo: r, Audit: audit.Writer{DB: conn}}
	return engine.New[*domain.WorkOrder](table, gate, lc, store, audit.Writer{DB: conn}), nil
}

// CreateOptions are parameters for creating a work order.
type CreateOptions struct {
	ID                 string
	Title              string
	Description        string
	CreatorID          string
	AssigneeID         string
	Vendor             string
	EstimatedCostCents int64
}

// Create inserts a new draft work order.
func Create(ctx context.Context, r repo.Repo, cfg *config.Config, opts CreateOptions) (domain.WorkOrder, error) {
	if opts.Title == "" {
		return domain.WorkOrder{}, errors.New("title is required")
	}
	if opts.CreatorID == "" {
		return domain.WorkOrder{}, errors.New("creator is required")
	}
	wf, ok := cfg.Workflows[EntityType]
	if !ok {
		return domain.WorkOrder{}, errors.New("config declares no work_order workflow")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	wo := domain.WorkOrder{
		ID:                 id,
		Title:              opts.Title,
		Description:        opts.Description,
		Status:             wf.Initial,
		CreatorID:          opts.CreatorID,
		EstimatedCostCents: opts.EstimatedCostCents,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if opts.AssigneeID != "" {
		wo.AssigneeID = &opts.AssigneeID
	}
	if opts.Vendor != "" {
		wo.Vendor = &opts.Vendor
	}
	if err := r.InsertWorkOrder(ctx, wo); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}
