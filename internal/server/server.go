// Package server exposes the transition engine over HTTP with a huma/chi
// API, JWT or API-key auth, and a uniform error envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stateline/internal/app"
	"stateline/internal/engine"
	"stateline/internal/repo"
	"stateline/internal/workorder"
)

// Config for the HTTP API handler.
type Config struct {
	Env      *app.Env
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"work_order: no transition from draft to approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the {code, message, details} envelope every error uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema errors are the caller's fault, not a rule violation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Env.Repo))
	hcfg := huma.DefaultConfig("Stateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerWorkOrders(group, cfg.Env)
	registerTransitions(group, cfg.Env)
	registerAudit(group, cfg.Env)
	registerStatus(group, cfg.Env)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's typed errors onto HTTP statuses. Rule
// violations never reach here; they come back as failed results and the
// transition handler maps them itself.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var invalid engine.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(invalid.From),
			"to":   string(invalid.To),
		})
	}
	var denied engine.PermissionDeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"actor_id": denied.ActorID,
		})
	}
	var unknown engine.UnknownStateError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusInternalServerError, "unknown_state", err.Error(), map[string]any{
			"state": string(unknown.State),
		})
	}
	if errors.Is(err, engine.ErrStaleState) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig) {
	if !auth.DevTokenEndpoint {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "Mint a dev JWT (local use only)",
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID      string   `json:"actor_id"`
			Capabilities []string `json:"capabilities,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := MintToken(auth.JWTSecret, input.Body.ActorID, input.Body.Capabilities, time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerWorkOrders(api huma.API, env *app.Env) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Create work order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, env.Repo)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := workorder.CreateOptions{
			Title:              input.Body.Title,
			CreatorID:          actor.ID,
			EstimatedCostCents: input.Body.EstimatedCostCents,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		if input.Body.Vendor != nil {
			opts.Vendor = *input.Body.Vendor
		}
		wo, err := workorder.Create(ctx, env.Repo, env.Config, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		CreatorID string `query:"creator_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []WorkOrderResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, env.Repo); authErr != nil {
			return nil, authErr
		}
		items, err := env.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{
			Status:    input.Status,
			CreatorID: input.CreatorID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkOrderResponse `json:"body"`
		}{Body: mapWorkOrders(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, env.Repo); authErr != nil {
			return nil, authErr
		}
		wo, err := env.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-order",
		Method:      http.MethodPatch,
		Path:        "/work-orders/{id}",
		Summary:     "Update work order fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, env.Repo); authErr != nil {
			return nil, authErr
		}
		wo, err := env.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Title != nil {
			wo.Title = *input.Body.Title
		}
		if input.Body.Description != nil {
			wo.Description = *input.Body.Description
		}
		if input.Body.AssigneeID != nil {
			wo.AssigneeID = input.Body.AssigneeID
		}
		if input.Body.Vendor != nil {
			wo.Vendor = input.Body.Vendor
		}
		if input.Body.EstimatedCostCents != nil {
			wo.EstimatedCostCents = *input.Body.EstimatedCostCents
		}
		if input.Body.ActualCostCents != nil {
			wo.ActualCostCents = input.Body.ActualCostCents
		}
		wo.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := env.Repo.UpdateWorkOrderFields(ctx, wo); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})
}

func registerTransitions(api huma.API, env *app.Env) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/transition",
		Summary:     "Transition work order",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, env.Repo)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		wo, err := env.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tc := engine.NewContext(actor, input.Body.Comment)
		for k, v := range input.Body.Metadata {
			tc = tc.WithMetadata(k, v)
		}
		res, err := env.Engine.Transition(ctx, &wo, engine.State(input.Body.To), tc)
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Success {
			return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed", res.ErrorMessage, map[string]any{
				"errors":         res.Errors,
				"warnings":       res.Warnings,
				"correlation_id": res.CorrelationID,
			})
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res, &wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-work-order-transition",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/validate",
		Summary:     "Dry-run a transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, env.Repo)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		wo, err := env.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		vr, err := env.Engine.Validate(ctx, &wo, engine.State(input.Body.To), engine.NewContext(actor, input.Body.Comment))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: ValidationResponse{Success: vr.Success, Errors: vr.Errors, Warnings: vr.Warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-order-next-states",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/next-states",
		Summary:     "List declared next states",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []NextStateResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, env.Repo)
		if authErr != nil {
			return nil, authErr
		}
		wo, err := env.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		next := env.Engine.ValidNextStates(engine.State(wo.Status))
		out := make([]NextStateResponse, 0, len(next))
		for _, s := range next {
			out = append(out, NextStateResponse{
				State:   string(s),
				Allowed: env.Engine.CanTransition(&wo, s, actor),
			})
		}
		return &struct {
			Body []NextStateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAudit(api huma.API, env *app.Env) {
	huma.Register(api, huma.Operation{
		OperationID: "work-order-audit",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/audit",
		Summary:     "Audit trail for a work order",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []AuditRecordResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, env.Repo); authErr != nil {
			return nil, authErr
		}
		if _, err := env.Repo.GetWorkOrder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		records, err := env.Audit.ByEntity(ctx, workorder.EntityType, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditRecordResponse `json:"body"`
		}{Body: mapAuditRecords(records)}, nil
	})
}

func registerStatus(api huma.API, env *app.Env) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Work order counts by status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, env.Repo); authErr != nil {
			return nil, authErr
		}
		counts, err := env.Repo.CountWorkOrdersByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})
}
