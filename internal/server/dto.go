package server

import (
	"time"

	"stateline/internal/audit"
	"stateline/internal/domain"
	"stateline/internal/engine"
)

// Request payloads

type CreateWorkOrderRequest struct {
	ID                 *string `json:"id,omitempty"`
	Title              string  `json:"title"`
	Description        *string `json:"description,omitempty"`
	AssigneeID         *string `json:"assignee_id,omitempty"`
	Vendor             *string `json:"vendor,omitempty"`
	EstimatedCostCents int64   `json:"estimated_cost_cents,omitempty"`
}

type UpdateWorkOrderRequest struct {
	Title              *string `json:"title,omitempty"`
	Description        *string `json:"description,omitempty"`
	AssigneeID         *string `json:"assignee_id,omitempty"`
	Vendor             *string `json:"vendor,omitempty"`
	EstimatedCostCents *int64  `json:"estimated_cost_cents,omitempty"`
	ActualCostCents    *int64  `json:"actual_cost_cents,omitempty"`
}

type TransitionRequest struct {
	To       string            `json:"to"`
	Comment  string            `json:"comment,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response payloads

type WorkOrderResponse struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status" enum:"draft,submitted,approved,rejected,assigned,in_progress,on_hold,completed,closed,canceled"`
	CreatorID          string  `json:"creator_id"`
	AssigneeID         *string `json:"assignee_id,omitempty"`
	Vendor             *string `json:"vendor,omitempty"`
	EstimatedCostCents int64   `json:"estimated_cost_cents"`
	ActualCostCents    *int64  `json:"actual_cost_cents,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
	ApprovedAt         *string `json:"approved_at,omitempty" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
}

type TransitionResponse struct {
	Success       bool               `json:"success"`
	From          string             `json:"from"`
	To            string             `json:"to"`
	Warnings      []string           `json:"warnings,omitempty"`
	CorrelationID string             `json:"correlation_id"`
	WorkOrder     *WorkOrderResponse `json:"work_order,omitempty"`
}

type ValidationResponse struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type NextStateResponse struct {
	State   string `json:"state"`
	Allowed bool   `json:"allowed"`
}

type AuditRecordResponse struct {
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	FromState     string            `json:"from_state"`
	ToState       string            `json:"to_state"`
	ActorID       string            `json:"actor_id"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     string            `json:"timestamp" format:"date-time"`
	Comments      string            `json:"comments,omitempty"`
	Outcome       string            `json:"outcome" enum:"success,denied,invalid,rule_violation"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func workOrderResponse(wo domain.WorkOrder) WorkOrderResponse {
	return WorkOrderResponse{
		ID:                 wo.ID,
		Title:              wo.Title,
		Description:        wo.Description,
		Status:             wo.Status,
		CreatorID:          wo.CreatorID,
		AssigneeID:         wo.AssigneeID,
		Vendor:             wo.Vendor,
		EstimatedCostCents: wo.EstimatedCostCents,
		ActualCostCents:    wo.ActualCostCents,
		CreatedAt:          wo.CreatedAt,
		UpdatedAt:          wo.UpdatedAt,
		ApprovedAt:         wo.ApprovedAt,
		CompletedAt:        wo.CompletedAt,
	}
}

func mapWorkOrders(items []domain.WorkOrder) []WorkOrderResponse {
	out := make([]WorkOrderResponse, 0, len(items))
	for _, wo := range items {
		out = append(out, workOrderResponse(wo))
	}
	return out
}

func transitionResponse(res engine.Result, wo *domain.WorkOrder) TransitionResponse {
	resp := TransitionResponse{
		Success:       res.Success,
		From:          string(res.From),
		To:            string(res.To),
		Warnings:      res.Warnings,
		CorrelationID: res.CorrelationID,
	}
	if wo != nil {
		mapped := workOrderResponse(*wo)
		resp.WorkOrder = &mapped
	}
	return resp
}

func auditRecordResponse(rec audit.Record) AuditRecordResponse {
	return AuditRecordResponse{
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		FromState:     rec.FromState,
		ToState:       rec.ToState,
		ActorID:       rec.ActorID,
		CorrelationID: rec.CorrelationID,
		Timestamp:     rec.Timestamp.Format(time.RFC3339Nano),
		Comments:      rec.Comments,
		Outcome:       string(rec.Outcome),
		Metadata:      rec.Metadata,
	}
}

func mapAuditRecords(items []audit.Record) []AuditRecordResponse {
	out := make([]AuditRecordResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, auditRecordResponse(rec))
	}
	return out
}
