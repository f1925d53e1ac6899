package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *engine.Orchestrator
	Repo         repo.Repo
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"stalled -> done: invalid status transition"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crewline API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Orchestrator)
	registerItems(group, cfg.Orchestrator, cfg.Repo)
	registerAgents(group, cfg.Orchestrator)
	registerEscalations(group, cfg.Orchestrator, cfg.Repo)
	registerEvents(group, cfg.Repo)
	registerPolicy(group, cfg.Orchestrator)
	registerOpenAPI(router, api, basePath)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrNotFound) || errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownAgent):
		return newAPIError(http.StatusNotFound, "unknown_agent", err.Error(), nil)
	case errors.Is(err, engine.ErrUnauthorizedDelegation):
		return newAPIError(http.StatusForbidden, "unauthorized_delegation", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateAgent):
		return newAPIError(http.StatusConflict, "duplicate_agent", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrCycle):
		return newAPIError(http.StatusUnprocessableEntity, "delegation_cycle", err.Error(), nil)
	case errors.Is(err, engine.ErrDelegationDepthExceeded):
		return newAPIError(http.StatusUnprocessableEntity, "delegation_depth_exceeded", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidHierarchy):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_hierarchy", err.Error(), nil)
	case errors.Is(err, engine.ErrNoEligibleResource):
		return newAPIError(http.StatusUnprocessableEntity, "no_eligible_resource", err.Error(), nil)
	case errors.Is(err, engine.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not recognized") || strings.Contains(lowered, "out of range"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "already holds") || strings.Contains(lowered, "is held by") || strings.Contains(lowered, "offline"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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

func registerStatus(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "System snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		snap, err := o.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

// SubmitItemRequest is the create-item payload. Delegating agents are
// identified by their credentials; operators submit root items.
type SubmitItemRequest struct {
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	OperationType    string  `json:"operation_type"`
	Priority         *int    `json:"priority,omitempty"`
	ParentID         *string `json:"parent_id,omitempty"`
	EstimatedSeconds int     `json:"estimated_seconds,omitempty"`
	Stateful         bool    `json:"stateful,omitempty"`
}

func registerItems(api huma.API, o *engine.Orchestrator, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Submit work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.OperationType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "operation_type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			OperationType:    domain.OperationType(input.Body.OperationType),
			EstimatedSeconds: input.Body.EstimatedSeconds,
			Stateful:         input.Body.Stateful,
		}
		if input.Body.Priority != nil {
			opts.Priority = domain.Priority(*input.Body.Priority)
		} else {
			opts.Priority = domain.P2
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		// A registered agent delegating through the API is the creator;
		// any other principal submits as the operator.
		if _, ok := o.Registry.Get(actorID); ok {
			opts.CreatorID = actorID
		}
		item, err := o.Submit(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		OperationType string `query:"operation_type"`
		Agent         string `query:"agent"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := r.ListWorkItems(ctx, repo.WorkItemFilters{
			Status:        domain.Status(input.Status),
			OperationType: domain.OperationType(input.OperationType),
			AssignedAgent: input.Agent,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := o.Store.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item-status",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/status",
		Summary:     "Transition work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   struct {
			Status string `json:"status" enum:"open,assigned,in_progress,blocked,stalled,escalated,done,failed"`
		} `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := o.UpdateItemStatus(ctx, input.ItemID, domain.Status(input.Body.Status), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "touch-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/touch",
		Summary:     "Record activity on work item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := o.Touch(ctx, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/release",
		Summary:     "Return work item to the open pool",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := o.ReleaseItem(ctx, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

// RegisterAgentRequest declares a new agent.
type RegisterAgentRequest struct {
	ID           string   `json:"id"`
	Role         string   `json:"role"`
	Manager      bool     `json:"manager,omitempty"`
	Capabilities []string `json:"capabilities"`
}

func registerAgents(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		caps := make([]domain.OperationType, 0, len(input.Body.Capabilities))
		for _, c := range input.Body.Capabilities {
			caps = append(caps, domain.OperationType(c))
		}
		a, err := o.Registry.Register(ctx, domain.Agent{
			ID:           input.Body.ID,
			Role:         input.Body.Role,
			Manager:      input.Body.Manager,
			Capabilities: caps,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: o.Registry.List()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/heartbeat",
		Summary:     "Refresh agent liveness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := o.Registry.Heartbeat(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dequeue",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/dequeue",
		Summary:     "Claim next eligible work item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body *engine.Assignment `json:"body"`
	}, error) {
		assignment, err := o.Dequeue(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		// A nil assignment means the queue has nothing for this agent.
		return &struct {
			Body *engine.Assignment `json:"body"`
		}{Body: assignment}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/messages",
		Summary:     "Send message from agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    struct {
			To      string `json:"to"`
			Subject string `json:"subject,omitempty"`
			Text    string `json:"body"`
		} `json:"body"`
	}) (*struct{}, error) {
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		err := o.Registry.Send(engine.Message{
			From:    input.AgentID,
			To:      input.Body.To,
			Subject: input.Body.Subject,
			Body:    input.Body.Text,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-messages",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/messages",
		Summary:     "Drain agent mailbox",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []engine.Message `json:"body"`
	}, error) {
		msgs, err := o.Registry.Drain(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.Message `json:"body"`
		}{Body: msgs}, nil
	})
}

func registerEscalations(api huma.API, o *engine.Orchestrator, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		ItemID   string `query:"item"`
		Resolved string `query:"resolved" enum:"true,false"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Escalation `json:"body"`
	}, error) {
		// Absent means both resolved and unresolved.
		var resolved *bool
		switch input.Resolved {
		case "true":
			v := true
			resolved = &v
		case "false":
			v := false
			resolved = &v
		}
		escs, err := r.ListEscalations(ctx, repo.EscalationFilters{
			WorkItemID: input.ItemID,
			Resolved:   resolved,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Escalation `json:"body"`
		}{Body: escs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/resolve",
		Summary:     "Resolve escalation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EscalationID string `path:"escalation_id"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := o.Store.ResolveEscalation(ctx, input.EscalationID, actorID); err != nil {
			return nil, handleError(err)
		}
		esc, err := r.GetEscalation(ctx, input.EscalationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		After      int64  `query:"after"`
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := r.LatestEventsFrom(ctx, input.Limit, input.After, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerPolicy(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-resource-tiers",
		Method:      http.MethodGet,
		Path:        "/policy/tiers",
		Summary:     "List resource tiers in preference order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		tiers := o.Policy.Tiers()
		out := make([]map[string]any, 0, len(tiers))
		for _, t := range tiers {
			out = append(out, map[string]any{
				"name":           t.Name,
				"max_seconds":    t.MaxSeconds,
				"allow_stateful": t.AllowStateful,
			})
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: out}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Crewline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
