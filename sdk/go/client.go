// Package statelinesdk is a minimal client for the Stateline HTTP API.
package statelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkOrder is the API work order model.
type WorkOrder struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status"`
	CreatorID          string  `json:"creator_id"`
	AssigneeID         *string `json:"assignee_id,omitempty"`
	Vendor             *string `json:"vendor,omitempty"`
	EstimatedCostCents int64   `json:"estimated_cost_cents"`
	ActualCostCents    *int64  `json:"actual_cost_cents,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// TransitionResult is the outcome of a transition call.
type TransitionResult struct {
	Success       bool       `json:"success"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	Warnings      []string   `json:"warnings,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	WorkOrder     *WorkOrder `json:"work_order,omitempty"`
}

// ValidationResult is the outcome of a dry-run.
type ValidationResult struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// AuditRecord is one audit trail entry.
type AuditRecord struct {
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	FromState     string            `json:"from_state"`
	ToState       string            `json:"to_state"`
	ActorID       string            `json:"actor_id"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     string            `json:"timestamp"`
	Comments      string            `json:"comments,omitempty"`
	Outcome       string            `json:"outcome"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NextState describes one outgoing edge with its permission verdict.
type NextState struct {
	State   string `json:"state"`
	Allowed bool   `json:"allowed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkOrder creates a draft work order.
func (c *Client) CreateWorkOrder(ctx context.Context, title, vendor string, estimatedCostCents int64) (WorkOrder, error) {
	body := map[string]any{
		"title":                title,
		"estimated_cost_cents": estimatedCostCents,
	}
	if vendor != "" {
		body["vendor"] = vendor
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/work-orders", body, &resp)
	return resp, err
}

// GetWorkOrder fetches a work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, c.workOrderPath(id, ""), nil, &resp)
	return resp, err
}

// Transition moves a work order to the target state.
func (c *Client) Transition(ctx context.Context, id, to, comment string) (TransitionResult, error) {
	body := map[string]any{"to": to}
	if comment != "" {
		body["comment"] = comment
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.workOrderPath(id, "transition"), body, &resp)
	return resp, err
}

// Validate dry-runs a transition without writing anything.
func (c *Client) Validate(ctx context.Context, id, to string) (ValidationResult, error) {
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, c.workOrderPath(id, "validate"), map[string]any{"to": to}, &resp)
	return resp, err
}

// NextStates lists the declared outgoing edges of a work order.
func (c *Client) NextStates(ctx context.Context, id string) ([]NextState, error) {
	var resp []NextState
	err := c.do(ctx, http.MethodGet, c.workOrderPath(id, "next-states"), nil, &resp)
	return resp, err
}

// Audit returns the audit trail, oldest first.
func (c *Client) Audit(ctx context.Context, id string) ([]AuditRecord, error) {
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, c.workOrderPath(id, "audit"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workOrderPath(id, suffix string) string {
	p := fmt.Sprintf("v0/work-orders/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
