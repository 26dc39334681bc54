package domain

// WorkOrder is the primary lifecycle entity. Status holds the persisted
// state; the engine owns every change to it. Timestamps are RFC3339.
type WorkOrder struct {
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

type Role struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Notification is one outbox row produced after a committed transition and
// drained by the notify worker.
type Notification struct {
	ID          string  `json:"id"`
	EntityType  string  `json:"entity_type"`
	EntityID    string  `json:"entity_id"`
	Event       string  `json:"event"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"pending,sent,failed"`
	Attempts    int     `json:"attempts"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	SentAt      *string `json:"sent_at,omitempty" format:"date-time"`
}
