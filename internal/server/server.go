package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"kept/internal/domain"
	"kept/internal/engine"
	"kept/internal/integrity"
	"kept/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"commitment not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Kept API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Kept API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	calc := integrity.Calculator{Repo: cfg.Engine.Repo, Config: cfg.Engine.Config, Now: cfg.Engine.Now}

	registerHealth(group)
	registerCommitments(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerIntegrity(group, cfg.Engine, calc)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"status": ise.Status})
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid commitment status transition"):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

type CreateCommitmentRequest struct {
	ID          *string `json:"id,omitempty"`
	Deliverable string  `json:"deliverable"`
	Stakeholder string  `json:"stakeholder"`
	DueDate     string  `json:"due_date" format:"date"`
}

type AtRiskRequest struct {
	Reason            string `json:"reason"`
	ImpactDescription string `json:"impact_description,omitempty"`
}

type RecoverRequest struct {
	NotificationResolved bool `json:"notification_resolved,omitempty"`
}

type CompleteNotificationRequest struct {
	ActualHoursCategory *float64 `json:"actual_hours_category,omitempty"`
}

func registerCommitments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-commitment",
		Method:        http.MethodPost,
		Path:          "/commitments",
		Summary:       "Create commitment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCommitmentRequest `json:"body"`
	}) (*struct {
		Body domain.Commitment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CommitmentCreateOptions{
			Deliverable: input.Body.Deliverable,
			Stakeholder: input.Body.Stakeholder,
			DueDate:     input.Body.DueDate,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.CreateCommitment(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Commitment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commitments",
		Method:      http.MethodGet,
		Path:        "/commitments",
		Summary:     "List commitments",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,in_progress,at_risk,completed,abandoned,"`
		Limit  int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body struct {
			Commitments []domain.Commitment `json:"commitments"`
		}
	}, error) {
		f := repo.CommitmentFilters{Limit: input.Limit}
		if input.Status != "" {
			f.Statuses = []string{input.Status}
		}
		items, err := e.Repo.ListCommitments(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Commitments []domain.Commitment `json:"commitments"`
			}
		}{}
		resp.Body.Commitments = items
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-commitment",
		Method:      http.MethodGet,
		Path:        "/commitments/{id}",
		Summary:     "Get commitment",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Commitment `json:"body"`
	}, error) {
		c, err := e.Repo.GetCommitment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Commitment `json:"body"`
		}{Body: c}, nil
	})

	registerTransition(api, e, "start-commitment", "start", "Start commitment", e.StartCommitment)
	registerTransition(api, e, "complete-commitment", "complete", "Complete commitment", e.CompleteCommitment)
	registerTransition(api, e, "abandon-commitment", "abandon", "Abandon commitment", e.AbandonCommitment)
}

func registerTransition(api huma.API, e engine.Engine, opID, action, summary string, fn func(context.Context, string, string) (domain.Commitment, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/commitments/{id}/" + action,
		Summary:     summary,
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Commitment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := fn(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Commitment `json:"body"`
		}{Body: c}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mark-at-risk",
		Method:      http.MethodPost,
		Path:        "/commitments/{id}/at-risk",
		Summary:     "Mark commitment at risk",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AtRiskRequest `json:"body"`
	}) (*struct {
		Body engine.AtRiskResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		res, err := e.MarkCommitmentAtRisk(ctx, input.ID, input.Body.Reason, input.Body.ImpactDescription, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AtRiskResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-commitment",
		Method:      http.MethodPost,
		Path:        "/commitments/{id}/recover",
		Summary:     "Recover at-risk commitment",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body RecoverRequest `json:"body"`
	}) (*struct {
		Body engine.RecoveryResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecoverCommitment(ctx, input.ID, input.Body.NotificationResolved, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RecoveryResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-notification",
		Method:      http.MethodPost,
		Path:        "/commitments/{id}/notification/complete",
		Summary:     "Record stakeholder notification as sent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string                      `path:"id"`
		Body CompleteNotificationRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteNotificationTask(ctx, input.ID, input.Body.ActualHoursCategory, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerIntegrity(api huma.API, e engine.Engine, calc integrity.Calculator) {
	huma.Register(api, huma.Operation{
		OperationID: "detect-risks",
		Method:      http.MethodGet,
		Path:        "/risks",
		Summary:     "Detect commitments at risk of being missed",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Summary engine.RiskSummary `json:"summary"`
			Total   int                `json:"total"`
			Message string             `json:"message,omitempty"`
		}
	}, error) {
		summary, err := e.DetectRisks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Summary engine.RiskSummary `json:"summary"`
				Total   int                `json:"total"`
				Message string             `json:"message,omitempty"`
			}
		}{}
		resp.Body.Summary = summary
		resp.Body.Total = summary.TotalRisks()
		resp.Body.Message = summary.ToMessage()
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "integrity-metrics",
		Method:      http.MethodGet,
		Path:        "/integrity",
		Summary:     "Integrity metrics with trends",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Trends bool `query:"trends"`
	}) (*struct {
		Body struct {
			Metrics   integrity.Metrics            `json:"metrics"`
			Affecting []domain.AffectingCommitment `json:"affecting_commitments,omitempty"`
		}
	}, error) {
		var (
			m   integrity.Metrics
			err error
		)
		if input.Trends {
			m, err = calc.CalculateWithTrends(ctx)
		} else {
			m, err = calc.Calculate(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		affecting, err := e.AffectingCommitments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Metrics   integrity.Metrics            `json:"metrics"`
				Affecting []domain.AffectingCommitment `json:"affecting_commitments,omitempty"`
			}
		}{}
		resp.Body.Metrics = m
		resp.Body.Affecting = affecting
		return resp, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		}
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			}
		}{}
		resp.Body.Events = items
		return resp, nil
	})
}
