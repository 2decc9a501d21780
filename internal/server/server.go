package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agora/internal/engine"
	"agora/internal/ledger"
	"agora/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"task t1 in status completed does not permit approve"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"completed\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Agora API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Agora API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps engine error kinds onto the envelope so clients can
// distinguish them without parsing messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var notAuth engine.NotAuthorizedError
	if errors.As(err, &notAuth) {
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), map[string]any{"action": notAuth.Action})
	}
	var invState engine.InvalidStateError
	if errors.As(err, &invState) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"entity": invState.Entity, "status": invState.Status})
	}
	var capMismatch engine.CapabilityMismatchError
	if errors.As(err, &capMismatch) {
		return newAPIError(http.StatusUnprocessableEntity, "capability_mismatch", err.Error(), map[string]any{"required": capMismatch.Required})
	}
	var inactive engine.AgentInactiveError
	if errors.As(err, &inactive) {
		return newAPIError(http.StatusUnprocessableEntity, "agent_inactive", err.Error(), map[string]any{"agent_id": inactive.AgentID})
	}
	var stake engine.InsufficientStakeError
	if errors.As(err, &stake) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_stake", err.Error(), map[string]any{"have": stake.Have, "min": stake.Min})
	}
	var low engine.AmountTooLowError
	if errors.As(err, &low) {
		return newAPIError(http.StatusUnprocessableEntity, "amount_too_low", err.Error(), map[string]any{"amount": low.Amount, "min": low.Min})
	}
	var budget engine.BudgetExceededError
	if errors.As(err, &budget) {
		return newAPIError(http.StatusUnprocessableEntity, "budget_exceeded", err.Error(), map[string]any{"requested": budget.Requested, "remaining": budget.Remaining})
	}
	var dep engine.UnknownDependencyError
	if errors.As(err, &dep) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_dependency", err.Error(), map[string]any{"dependency": dep.DependencyID})
	}
	var deadline engine.DeadlineInvalidError
	if errors.As(err, &deadline) {
		return newAPIError(http.StatusBadRequest, "deadline_invalid", err.Error(), nil)
	}
	var early engine.TimeoutNotReachedError
	if errors.As(err, &early) {
		return newAPIError(http.StatusConflict, "timeout_not_reached", err.Error(), map[string]any{"release_at": early.ReleaseAt})
	}
	var empty engine.EmptyInputError
	if errors.As(err, &empty) {
		return newAPIError(http.StatusBadRequest, "empty_input", err.Error(), map[string]any{"field": empty.Field})
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already registered"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Agora API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Market status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MarketStatusResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		supply, err := e.Ledger.TotalSupply(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MarketStatusResponse `json:"body"`
		}{Body: MarketStatusResponse{
			MarketID:    e.Config.Market.ID,
			TaskCounts:  counts,
			TotalSupply: supply,
		}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		owner, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterAgent(ctx, engine.RegisterAgentOptions{
			Owner:        owner,
			Name:         input.Body.Name,
			MetadataRef:  stringOrEmpty(input.Body.MetadataRef),
			Capabilities: input.Body.Capabilities,
			StakeAmount:  input.Body.StakeAmount,
			Nonce:        stringOrEmpty(input.Body.Nonce),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner      string `query:"owner"`
		Capability string `query:"capability"`
	}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAgents(ctx, input.Owner, input.Capability)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: mapAgents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent name, metadata, or capabilities",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAgent(ctx, input.AgentID, caller,
			stringOrEmpty(input.Body.Name), stringOrEmpty(input.Body.MetadataRef), input.Body.AddCapabilities)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	type agentAction struct {
		AgentID string `path:"agent_id"`
	}
	type agentResult struct {
		Body AgentResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "add-stake",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/stake",
		Summary:     "Add stake",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string       `path:"agent_id"`
		Body    StakeRequest `json:"body"`
	}) (*agentResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AddStake(ctx, input.AgentID, caller, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentResult{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-stake",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/withdraw",
		Summary:     "Withdraw stake",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string       `path:"agent_id"`
		Body    StakeRequest `json:"body"`
	}) (*agentResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.WithdrawStake(ctx, input.AgentID, caller, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentResult{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/deactivate",
		Summary:     "Deactivate agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *agentAction) (*agentResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.DeactivateAgent(ctx, input.AgentID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentResult{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reactivate-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/reactivate",
		Summary:     "Reactivate agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *agentAction) (*agentResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ReactivateAgent(ctx, input.AgentID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentResult{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "slash-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/slash",
		Summary:     "Slash agent stake",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string       `path:"agent_id"`
		Body    SlashRequest `json:"body"`
	}) (*agentResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SlashAgent(ctx, input.AgentID, caller, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentResult{Body: agentResponse(a)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type taskResult struct {
		Body TaskResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskResult, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		requester, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deadline, err := time.Parse(time.RFC3339, input.Body.Deadline)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "deadline must be RFC3339", map[string]any{"deadline": input.Body.Deadline})
		}
		t, err := e.CreateTask(ctx, engine.CreateTaskOptions{
			Requester:                 requester,
			Title:                     input.Body.Title,
			DescriptionRef:            stringOrEmpty(input.Body.DescriptionRef),
			RequiredCapabilities:      input.Body.RequiredCapabilities,
			Reward:                    input.Body.Reward,
			Deadline:                  deadline,
			RequiresHumanVerification: input.Body.RequiresHumanVerification,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Requester string `query:"requester"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, input.Status, input.Requester)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskResult, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/accept",
		Summary:     "Accept task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AcceptTaskRequest `json:"body"`
	}) (*taskResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AcceptTask(ctx, input.TaskID, input.Body.AgentID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-result",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/submit",
		Summary:     "Submit task result",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   SubmitResultRequest `json:"body"`
	}) (*taskResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SubmitResult(ctx, input.TaskID, caller, input.Body.ResultRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-result",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Approve submitted result and settle",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveResult(ctx, input.TaskID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-result",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reject",
		Summary:     "Reject submitted result (open dispute)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   RejectResultRequest `json:"body"`
	}) (*taskResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectResult(ctx, input.TaskID, caller, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/resolve",
		Summary:     "Resolve dispute (arbiter only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   ResolveDisputeRequest `json:"body"`
	}) (*taskResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ResolveDispute(ctx, input.TaskID, caller, input.Body.FavorAgent, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel open task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.TaskID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-release",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/auto-release",
		Summary:     "Settle a submitted task after the approval window",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AutoRelease(ctx, input.TaskID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "best-agent",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/best-agent",
		Summary:     "Suggest the best qualifying agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.BestAgentForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	type workflowResult struct {
		Body WorkflowResponse `json:"body"`
	}
	type stepResult struct {
		Body StepResponse `json:"body"`
	}
	type stepsResult struct {
		Body []StepResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*workflowResult, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		creator, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deadline, err := time.Parse(time.RFC3339, input.Body.Deadline)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "deadline must be RFC3339", map[string]any{"deadline": input.Body.Deadline})
		}
		w, err := e.CreateWorkflow(ctx, engine.CreateWorkflowOptions{
			Creator:     creator,
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
			TotalBudget: input.Body.TotalBudget,
			Deadline:    deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowResult{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		Creator string `query:"creator"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListWorkflows(ctx, input.Creator)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: mapWorkflows(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*workflowResult, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := e.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowResult{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-step",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/steps",
		Summary:       "Add workflow step",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string         `path:"workflow_id"`
		Body       AddStepRequest `json:"body"`
	}) (*stepResult, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AddStep(ctx, engine.AddStepOptions{
			WorkflowID:   input.WorkflowID,
			Caller:       caller,
			Name:         input.Body.Name,
			Capability:   input.Body.Capability,
			Reward:       input.Body.Reward,
			StepType:     input.Body.StepType,
			Dependencies: input.Body.Dependencies,
			InputRef:     stringOrEmpty(input.Body.InputRef),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stepResult{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/start",
		Summary:     "Start workflow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*workflowResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.StartWorkflow(ctx, input.WorkflowID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowResult{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/steps",
		Summary:     "List workflow steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*stepsResult, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListSteps(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepsResult{Body: mapSteps(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-steps",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/ready",
		Summary:     "List claimable steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*stepsResult, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ReadySteps(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepsResult{Body: mapSteps(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/steps/{step_id}/accept",
		Summary:     "Accept a ready step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string            `path:"workflow_id"`
		StepID     string            `path:"step_id"`
		Body       AcceptStepRequest `json:"body"`
	}) (*stepResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AcceptStep(ctx, input.WorkflowID, input.StepID, input.Body.AgentID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepResult{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/steps/{step_id}/complete",
		Summary:     "Complete a running step and settle its reward",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string              `path:"workflow_id"`
		StepID     string              `path:"step_id"`
		Body       CompleteStepRequest `json:"body"`
	}) (*stepResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CompleteStep(ctx, input.WorkflowID, input.StepID, caller, input.Body.OutputRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepResult{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/steps/{step_id}/fail",
		Summary:     "Fail a running step (arbiter only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string          `path:"workflow_id"`
		StepID     string          `path:"step_id"`
		Body       FailStepRequest `json:"body"`
	}) (*stepResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.FailStep(ctx, input.WorkflowID, input.StepID, caller, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepResult{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/steps/{step_id}/skip",
		Summary:     "Skip a pending step",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		StepID     string `path:"step_id"`
	}) (*stepResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SkipStep(ctx, input.WorkflowID, input.StepID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepResult{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/cancel",
		Summary:     "Cancel workflow and refund remaining escrow",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*workflowResult, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CancelWorkflow(ctx, input.WorkflowID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowResult{Body: workflowResponse(w)}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/ledger/accounts/{principal}",
		Summary:     "Get account balance",
	}, func(ctx context.Context, input *struct {
		Principal string `path:"principal"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Ledger.Account(ctx, input.Principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/ledger/deposit",
		Summary:     "Deposit value to a principal (admin only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body DepositRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.Repo.HasRole(ctx, caller, repo.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusForbidden, "not_authorized", "deposit requires the admin role", nil)
		}
		if err := e.Deposit(ctx, input.Body.Principal, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Ledger.Account(ctx, input.Body.Principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse(a)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List role grants",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []RoleGrantResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListRoleGrants(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RoleGrantResponse, 0, len(items))
		for _, g := range items {
			res = append(res, RoleGrantResponse(g))
		}
		return &struct {
			Body []RoleGrantResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/roles/grant",
		Summary:     "Grant role (admin only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, caller, input.Body.Principal, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/roles/revoke",
		Summary:     "Revoke role (admin only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		caller, authErr := principalIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, caller, input.Body.Principal, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		if len(roles) == 0 {
			if granted, err := e.Repo.PrincipalRoles(ctx, principal.ID); err == nil {
				roles = granted
			}
		}
		balance, err := e.Ledger.BalanceOf(ctx, principal.ID)
		if err != nil {
			return nil, handleError(err)
		}
		agents, err := e.AgentsByOwner(ctx, principal.ID)
		if err != nil {
			return nil, handleError(err)
		}
		agentIDs := make([]string, 0, len(agents))
		for _, a := range agents {
			agentIDs = append(agentIDs, a.ID)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Principal: principal.ID,
			Roles:     nonNilSlice(roles),
			Balance:   balance,
			Agents:    agentIDs,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.AllowDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		subject := strings.TrimSpace(input.Body.Principal)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "principal is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, subject, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
