package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"waveline/internal/domain"
	"waveline/internal/engine"
	"waveline/internal/exitcode"
	"waveline/internal/lifecycle"
	"waveline/internal/repo"
	"waveline/internal/waves"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code     string         `json:"code" example:"gate_not_satisfied"`
	Message  string         `json:"message" example:"cannot start spec: prerequisites not completed or skipped: consensus"`
	ExitCode int            `json:"exit_code,omitempty" example:"80"`
	Details  map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Waveline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema failures are client errors, not domain rejections
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Waveline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerConfig(group)
	h.registerTasks(group)
	h.registerDispatch(group)
	h.registerPipelines(group)
	h.registerEvents(group)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	e   engine.Engine
	log *slog.Logger
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

// handleError maps an engine error to the envelope. The code and status
// come from the exitcode taxonomy so CLI and API agree.
func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code, tax := exitcode.Classify(err)
	status := statusFor(code, tax)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "err", err, "exit_code", int(code))
	}
	msg := err.Error()
	details := exitcode.Details(err)
	if tax == exitcode.TaxonomyInternal {
		msg = "internal error"
		details = map[string]any{"error": err.Error()}
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:     exitcode.Name(err),
			Message:  msg,
			ExitCode: int(code),
			Details:  details,
		},
	}
}

func statusFor(code exitcode.Code, tax exitcode.Taxonomy) int {
	switch code {
	case exitcode.VersionConflict, exitcode.PipelineExists:
		return http.StatusConflict
	case exitcode.LockTimeout:
		return http.StatusServiceUnavailable
	}
	switch tax {
	case exitcode.TaxonomyReferential:
		return http.StatusNotFound
	case exitcode.TaxonomyStructural, exitcode.TaxonomyGate:
		return http.StatusUnprocessableEntity
	case exitcode.TaxonomyConcurrency:
		return http.StatusConflict
	case exitcode.TaxonomyInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Waveline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func (h handlers) registerConfig(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Effective hierarchy limits and stage pipeline",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(h.e.Config, h.e.Pipeline)}, nil
	})
}

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

type taskBody struct {
	Body domain.Task `json:"body"`
}

type taskPath struct {
	ID string `path:"id"`
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if isNullRaw(rawBodyMap(ctx)["depends_on"]) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "depends_on must be array", map[string]any{"field": "depends_on", "reason": "must be array"})
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.AddTask(ctx, engine.TaskCreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ParentID:    input.Body.ParentID,
			Type:        domain.TaskType(input.Body.Type),
			Priority:    domain.Priority(input.Body.Priority),
			DependsOn:   input.Body.DependsOn,
			Labels:      input.Body.Labels,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status"`
		ParentID        string `query:"parent_id"`
		Type            string `query:"type"`
		Label           string `query:"label"`
		IncludeArchived bool   `query:"include_archived"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		items, err := h.e.ListTasks(ctx, engine.TaskFilter{
			Status:          domain.Status(input.Status),
			ParentID:        input.ParentID,
			Type:            domain.TaskType(input.Type),
			Label:           input.Label,
			IncludeArchived: input.IncludeArchived,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task, live or archived",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		t, err := h.e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task fields and status",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ActorID:     actorID,
		}
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			opts.Priority = &p
		}
		if input.Body.Status != nil {
			s := domain.Status(*input.Body.Status)
			opts.Status = &s
		}
		if _, ok := rawBodyMap(ctx)["labels"]; ok {
			labels := input.Body.Labels
			if labels == nil {
				labels = []string{}
			}
			opts.Labels = &labels
		}
		t, err := h.e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reparent-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reparent",
		Summary:     "Move a task and its subtree under a new parent",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReparentRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.ReparentTask(ctx, input.ID, input.Body.ParentID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "Add a dependency",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DependencyRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.DependsOn) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "depends_on is required", nil)
		}
		t, err := h.e.AddDependency(ctx, input.ID, input.Body.DependsOn, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}/dependencies/{dep_id}",
		Summary:     "Remove a dependency",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		DepID string `path:"dep_id"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.RemoveDependency(ctx, input.ID, input.DepID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Mark a task done and report newly unblocked tasks",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
	}) (*struct {
		Body engine.CompletionResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.CompleteTask(ctx, input.ID, actorID, input.Force)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.CompletionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/archive",
		Summary:     "Move a done or cancelled leaf task to the archive",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.ArchiveTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/restore",
		Summary:     "Restore an archived task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.RestoreTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-tree",
		Method:      http.MethodGet,
		Path:        "/tree",
		Summary:     "Task hierarchy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RootID string `query:"root_id"`
	}) (*struct {
		Body []engine.TreeNode `json:"body"`
	}, error) {
		tree, err := h.e.GetTree(ctx, input.RootID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []engine.TreeNode `json:"body"`
		}{Body: tree}, nil
	})
}

func (h handlers) registerDispatch(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "wave-plan",
		Method:      http.MethodGet,
		Path:        "/waves",
		Summary:     "Partition open tasks in scope into dispatch waves",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope"`
	}) (*struct {
		Body waves.Plan `json:"body"`
	}, error) {
		plan, err := h.e.GetWavePlan(ctx, input.Scope)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body waves.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-tasks",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Pending tasks whose dependencies are resolved",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		items, err := h.e.GetReadyToDispatch(ctx, input.Scope)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "parallel-check",
		Method:      http.MethodPost,
		Path:        "/parallel-check",
		Summary:     "Check that tasks can run at the same time",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ParallelCheckRequest `json:"body"`
	}) (*struct {
		Body waves.Result `json:"body"`
	}, error) {
		res, err := h.e.CheckParallelSafe(ctx, input.Body.TaskIDs)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body waves.Result `json:"body"`
		}{Body: res}, nil
	})
}

type pipelinePath struct {
	RootID string `path:"root_id"`
}

func (h handlers) registerPipelines(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List lifecycle pipelines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.PipelineSummary `json:"body"`
	}, error) {
		items, err := h.e.ListPipelines(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []engine.PipelineSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "init-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines/{root_id}",
		Summary:       "Start tracking the lifecycle of a root task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *pipelinePath) (*struct {
		Body *lifecycle.Record `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := h.e.InitPipeline(ctx, input.RootID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body *lifecycle.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-status",
		Method:      http.MethodGet,
		Path:        "/pipelines/{root_id}",
		Summary:     "Lifecycle status of one pipeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *pipelinePath) (*struct {
		Body engine.LifecycleStatus `json:"body"`
	}, error) {
		st, err := h.e.GetLifecycleStatus(ctx, input.RootID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.LifecycleStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-transition",
		Method:      http.MethodPost,
		Path:        "/pipelines/{root_id}/stages/{stage}/{action}",
		Summary:     "Apply a stage transition",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		RootID string             `path:"root_id"`
		Stage  string             `path:"stage"`
		Action string             `path:"action" enum:"start,complete,skip,fail,reset,block"`
		Body   StageActionRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.StageResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stage, err := lifecycle.ParseStage(input.Stage)
		if err != nil {
			return nil, h.handleError(err)
		}
		action, err := lifecycle.ParseAction(input.Action)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := h.e.ApplyStageAction(ctx, action, engine.StageRequest{
			RootID:          input.RootID,
			Stage:           stage,
			Reason:          input.Body.Reason,
			Notes:           input.Body.Notes,
			ActorID:         actorID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.StageResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "overdue-stages",
		Method:      http.MethodGet,
		Path:        "/overdue-stages",
		Summary:     "In-progress stages past their advisory timeout",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []lifecycle.OverdueStage `json:"body"`
	}, error) {
		now := time.Now().UTC()
		if h.e.Now != nil {
			now = h.e.Now().UTC()
		}
		items, err := h.e.OverdueStages(ctx, now)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []lifecycle.OverdueStage `json:"body"`
		}{Body: items}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent change-log events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if h.e.Repo.DB == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "change log is disabled", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
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
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		ttl := time.Duration(input.Body.TTLMinutes) * time.Minute
		token, err := SignToken(authCfg.JWTSecret, actor, ttl)
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

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
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
