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

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/engine/auth"
	"marketline/internal/obs"
	"marketline/internal/repo"
	"marketline/internal/sanction"
	"marketline/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Loop serves POST /reconciliations and is nudged after user actions. When nil the
	// handler sweeps inline and never triggers background runs.
	Loop     *scheduler.Loop
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"decision_locked"`
	Message string         `json:"message" example:"conflict: decision already locked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"amounts\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *response[T] {
	return &response[T]{Body: v}
}

var actionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the Marketline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	obs.Init()

	router := chi.NewRouter()
	router.Use(obs.Instrument)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle(path.Join(basePath, "metrics"), obs.Handler())
	hcfg := huma.DefaultConfig("Marketline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerReconcile(group, cfg.Engine, cfg.Loop)
	registerAssignments(group, cfg.Engine, cfg.Loop)
	registerDisputes(group, cfg.Engine, cfg.Loop)
	registerExecutors(group, cfg.Engine)
	registerDisruptions(group, cfg.Engine, cfg.Loop)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var oe auth.OwnershipError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusForbidden, "not_a_party", err.Error(), nil)
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrLocked):
		return newAPIError(http.StatusConflict, "decision_locked", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "duplicate", err.Error(), nil)
	case errors.Is(err, repo.ErrAmountMismatch):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
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
			if public[route] {
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
    <title>Marketline API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

// nudge asks the loop for an opportunistic sweep after a user action.
func nudge(ctx context.Context, loop *scheduler.Loop) {
	if loop != nil {
		loop.Trigger(ctx)
	}
}

func clock(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func parseTimeParam(field, raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", field+" must be RFC3339", map[string]any{"field": field})
	}
	return t.UTC(), nil
}

func registerReconcile(api huma.API, e engine.Engine, loop *scheduler.Loop) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconciliations",
		Summary:     "Run a reconciliation sweep",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*response[scheduler.Report], error) {
		if _, err := require(ctx, auth.PermReconcile); err != nil {
			return nil, handleError(err)
		}
		if loop != nil {
			report, _ := loop.RunOnce(ctx)
			return reply(report), nil
		}
		return reply(scheduler.Reconciler{Engine: e}.Run(ctx, clock(e))), nil
	})
}

type assignmentPath struct {
	TaskID     string `path:"task_id"`
	ExecutorID string `path:"executor_id"`
}

// assignmentAction is one caller-driven transition. executorSide actions belong to the
// assigned executor, the rest to the task's customer.
type assignmentAction struct {
	perm         string
	executorSide bool
	run          func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, body AssignmentActionRequest) (domain.Assignment, bool, error)
}

var assignmentActions = map[string]assignmentAction{
	"start": {auth.PermWork, true, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, _ AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.StartWork(ctx, a.TaskID, a.ExecutorID, actorID)
	}},
	"pause-request": {auth.PermWork, true, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, body AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.RequestPause(ctx, a.TaskID, a.ExecutorID, body.ReasonID, time.Duration(body.DurationMinutes)*time.Minute, actorID)
	}},
	"pause-accept": {auth.PermReview, false, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, _ AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.AcceptPause(ctx, a.TaskID, a.ExecutorID, nil, actorID)
	}},
	"pause-reject": {auth.PermReview, false, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, _ AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.RejectPause(ctx, a.TaskID, a.ExecutorID, actorID)
	}},
	"pause-end": {auth.PermWork, true, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, _ AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.EndPauseEarly(ctx, a.TaskID, a.ExecutorID, actorID)
	}},
	"submit": {auth.PermWork, true, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, body AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.MarkSubmitted(ctx, a.TaskID, a.ExecutorID, body.Files, actorID)
	}},
	"revision": {auth.PermReview, false, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, _ AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.ResumeAfterRevisionRequest(ctx, a.TaskID, a.ExecutorID, actorID)
	}},
	"accept": {auth.PermReview, false, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, _ AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.MarkAccepted(ctx, a.TaskID, a.ExecutorID, actorID)
	}},
	"cancel": {auth.PermReview, false, func(ctx context.Context, e engine.Engine, a domain.Assignment, actorID string, _ AssignmentActionRequest) (domain.Assignment, bool, error) {
		return e.CancelByCustomer(ctx, a.TaskID, a.ExecutorID, actorID)
	}},
}

func registerAssignments(api huma.API, e engine.Engine, loop *scheduler.Loop) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-executor",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Select an executor and freeze the payment",
		DefaultStatus: http.StatusCreated,
		Errors:        actionErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignRequest `json:"body"`
	}) (*response[AssignmentResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := require(ctx, auth.PermAssign)
		if err != nil {
			return nil, handleError(err)
		}
		customerID := strings.TrimSpace(input.Body.CustomerID)
		if customerID == "" {
			customerID = p.ActorID
		}
		if err := (auth.Service{}).RequireOwner(p.ActorID, p.Roles, customerID); err != nil {
			return nil, handleError(err)
		}
		a, created, err := e.AssignExecutor(ctx, engine.AssignOptions{
			TaskID:     input.Body.TaskID,
			Title:      input.Body.Title,
			CustomerID: customerID,
			ExecutorID: input.Body.ExecutorID,
			Amount:     input.Body.Amount,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(assignmentResponse(a, created)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ExecutorID string `query:"executor_id"`
		TaskID     string `query:"task_id"`
		Status     string `query:"status" doc:"Comma separated statuses"`
		Limit      int    `query:"limit" minimum:"0"`
	}) (*response[AssignmentListResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		executorID := strings.TrimSpace(input.ExecutorID)
		if !p.has(auth.PermReadAll) {
			if executorID == "" {
				executorID = p.ActorID
			}
			if err := (auth.Service{}).RequireOwner(p.ActorID, p.Roles, executorID); err != nil {
				return nil, handleError(err)
			}
		}
		f := repo.AssignmentFilters{ExecutorID: executorID, TaskID: strings.TrimSpace(input.TaskID), Limit: input.Limit}
		for _, raw := range strings.Split(input.Status, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			st, err := domain.ParseAssignmentStatus(strings.TrimSpace(raw))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "status"})
			}
			f.Statuses = append(f.Statuses, st)
		}
		list, err := e.ListAssignments(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AssignmentListResponse{Items: nonNilSlice(list)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{task_id}/{executor_id}",
		Summary:     "Get assignment",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *assignmentPath) (*response[AssignmentResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetAssignment(ctx, input.TaskID, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireParty(p, a.ExecutorID, a.CustomerID); err != nil {
			return nil, handleError(err)
		}
		return reply(assignmentResponse(a, false)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignment-action",
		Method:      http.MethodPost,
		Path:        "/assignments/{task_id}/{executor_id}/{action}",
		Summary:     "Apply a caller-driven assignment transition",
		Description: "Transitions whose precondition no longer holds return the current state with changed=false.",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		TaskID     string                  `path:"task_id"`
		ExecutorID string                  `path:"executor_id"`
		Action     string                  `path:"action" enum:"start,pause-request,pause-accept,pause-reject,pause-end,submit,revision,accept,cancel"`
		Body       *AssignmentActionRequest
	}) (*response[AssignmentResponse], error) {
		action, ok := assignmentActions[input.Action]
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown action "+input.Action, nil)
		}
		p, err := require(ctx, action.perm)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.GetAssignment(ctx, input.TaskID, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		owner := a.CustomerID
		if action.executorSide {
			owner = a.ExecutorID
		}
		if err := (auth.Service{}).RequireOwner(p.ActorID, p.Roles, owner); err != nil {
			return nil, handleError(err)
		}
		var body AssignmentActionRequest
		if input.Body != nil {
			body = *input.Body
		}
		next, changed, err := action.run(ctx, e, a, p.ActorID, body)
		if err != nil {
			return nil, handleError(err)
		}
		if changed {
			nudge(ctx, loop)
		}
		return reply(assignmentResponse(next, changed)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "open-dispute",
		Method:        http.MethodPost,
		Path:          "/assignments/{task_id}/{executor_id}/disputes",
		Summary:       "Open a dispute on an active assignment",
		DefaultStatus: http.StatusCreated,
		Errors:        actionErrors,
	}, func(ctx context.Context, input *struct {
		TaskID     string             `path:"task_id"`
		ExecutorID string             `path:"executor_id"`
		Body       *OpenDisputeRequest
	}) (*response[DisputeResponse], error) {
		p, err := require(ctx, auth.PermDisputeOpen)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.GetAssignment(ctx, input.TaskID, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := (auth.Service{}).RequireOwner(p.ActorID, p.Roles, a.CustomerID, a.ExecutorID); err != nil {
			return nil, handleError(err)
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		d, opened, err := e.OpenDispute(ctx, a.TaskID, a.ExecutorID, p.ActorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		if !opened && d.ID == "" {
			return nil, newAPIError(http.StatusConflict, "not_disputable", fmt.Sprintf("assignment is %s", a.Status), map[string]any{"status": a.Status})
		}
		if opened {
			nudge(ctx, loop)
		}
		return reply(disputeResponse(d, opened)), nil
	})
}

type disputePath struct {
	ID string `path:"id"`
}

func registerDisputes(api huma.API, e engine.Engine, loop *scheduler.Loop) {
	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/disputes",
		Summary:     "List disputes",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma separated statuses"`
	}) (*response[DisputeListResponse], error) {
		if _, err := require(ctx, auth.PermReadAll); err != nil {
			return nil, handleError(err)
		}
		var statuses []domain.DisputeStatus
		for _, raw := range strings.Split(input.Status, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			st, err := domain.ParseDisputeStatus(strings.TrimSpace(raw))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "status"})
			}
			statuses = append(statuses, st)
		}
		list, err := e.ListDisputes(ctx, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DisputeListResponse{Items: nonNilSlice(list)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{id}",
		Summary:     "Get dispute",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *disputePath) (*response[DisputeResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDispute(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireParty(p, d.CustomerID, d.ExecutorID, d.AssignedArbiterID); err != nil {
			return nil, handleError(err)
		}
		return reply(disputeResponse(d, false)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "take-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{id}/take",
		Summary:     "Claim a dispute for review",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body VersionRequest `json:"body"`
	}) (*response[DisputeResponse], error) {
		p, err := require(ctx, auth.PermArbitrate)
		if err != nil {
			return nil, handleError(err)
		}
		d, changed, err := e.TakeInWork(ctx, input.ID, p.ActorID, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(disputeResponse(d, changed)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-dispute-info",
		Method:      http.MethodPost,
		Path:        "/disputes/{id}/request-info",
		Summary:     "Ask the parties for more information",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body VersionRequest `json:"body"`
	}) (*response[DisputeResponse], error) {
		p, err := require(ctx, auth.PermArbitrate)
		if err != nil {
			return nil, handleError(err)
		}
		d, changed, err := e.RequestMoreInfo(ctx, input.ID, p.ActorID, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(disputeResponse(d, changed)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{id}/decide",
		Summary:     "Lock the financial decision and settle the escrow",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*response[DisputeResponse], error) {
		p, err := require(ctx, auth.PermArbitrate)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.Decide(ctx, engine.DecideOptions{
			DisputeID:       input.ID,
			ArbiterID:       p.ActorID,
			ExpectedVersion: input.Body.Version,
			Decision:        domain.DecisionKind(input.Body.Decision),
			Comment:         input.Body.Comment,
			Checklist:       input.Body.Checklist,
			ExecutorAmount:  input.Body.ExecutorAmount,
			CustomerAmount:  input.Body.CustomerAmount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		nudge(ctx, loop)
		return reply(disputeResponse(d, true)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{id}/close",
		Summary:     "Close a decided dispute",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *disputePath) (*response[DisputeResponse], error) {
		p, err := require(ctx, auth.PermArbitrate)
		if err != nil {
			return nil, handleError(err)
		}
		d, changed, err := e.Close(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(disputeResponse(d, changed)), nil
	})
}

type executorPath struct {
	ID string `path:"id"`
}

func registerExecutors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "executor-level",
		Method:      http.MethodGet,
		Path:        "/executors/{id}/level",
		Summary:     "Current sanction level for a violation type",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Type string `query:"type" enum:"no_start_12h,no_submit_24h,force_majeure_abuse" required:"true"`
		At   string `query:"at" doc:"RFC3339 instant, defaults to now"`
	}) (*response[LevelResponse], error) {
		if _, err := require(ctx, auth.PermReadExecutor); err != nil {
			return nil, handleError(err)
		}
		typ, err := domain.ParseViolationType(input.Type)
		if err != nil {
			return nil, handleError(&engine.ValidationError{Field: "type", Reason: err.Error()})
		}
		at, err := parseTimeParam("at", input.At, clock(e))
		if err != nil {
			return nil, handleError(err)
		}
		level, err := e.LevelForExecutor(ctx, input.ID, typ, at)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(LevelResponse{ExecutorID: input.ID, Type: string(typ), Level: level, At: at}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "executor-can-respond",
		Method:      http.MethodGet,
		Path:        "/executors/{id}/can-respond",
		Summary:     "Whether the executor may respond to new tasks",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *executorPath) (*response[CanRespondResponse], error) {
		if _, err := require(ctx, auth.PermReadExecutor); err != nil {
			return nil, handleError(err)
		}
		ok, restriction, err := e.CanRespond(ctx, input.ID, clock(e))
		if err != nil {
			return nil, handleError(err)
		}
		delta, err := e.RatingDelta(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CanRespondResponse{ExecutorID: input.ID, CanRespond: ok, Restriction: restriction, RatingDelta: delta}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "executor-violations",
		Method:      http.MethodGet,
		Path:        "/executors/{id}/violations",
		Summary:     "Violations recorded for an executor",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Type  string `query:"type" doc:"Filter by violation type"`
		Since string `query:"since" doc:"RFC3339 instant, defaults to the start of the decay window"`
	}) (*response[ViolationListResponse], error) {
		if _, err := require(ctx, auth.PermReadExecutor); err != nil {
			return nil, handleError(err)
		}
		var typ domain.ViolationType
		if input.Type != "" {
			parsed, err := domain.ParseViolationType(input.Type)
			if err != nil {
				return nil, handleError(&engine.ValidationError{Field: "type", Reason: err.Error()})
			}
			typ = parsed
		}
		since, err := parseTimeParam("since", input.Since, clock(e).Add(-sanction.DecayPeriod))
		if err != nil {
			return nil, handleError(err)
		}
		list, err := e.ViolationsSince(ctx, input.ID, typ, since)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ViolationListResponse{Items: nonNilSlice(list)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-banned",
		Method:      http.MethodGet,
		Path:        "/restrictions/banned",
		Summary:     "Banned executors",
		Errors:      actionErrors,
	}, func(ctx context.Context, _ *struct{}) (*response[RestrictionListResponse], error) {
		if _, err := require(ctx, auth.PermReadAll); err != nil {
			return nil, handleError(err)
		}
		list, err := e.ListBanned(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RestrictionListResponse{Items: nonNilSlice(list)}), nil
	})
}

func registerDisruptions(api huma.API, e engine.Engine, loop *scheduler.Loop) {
	huma.Register(api, huma.Operation{
		OperationID:   "declare-disruption",
		Method:        http.MethodPost,
		Path:          "/disruptions",
		Summary:       "Declare a platform disruption window",
		DefaultStatus: http.StatusCreated,
		Errors:        actionErrors,
	}, func(ctx context.Context, input *struct {
		Body DeclareDisruptionRequest `json:"body"`
	}) (*response[domain.Disruption], error) {
		if _, err := require(ctx, auth.PermDisruption); err != nil {
			return nil, handleError(err)
		}
		d, err := e.DeclareDisruption(ctx, input.Body.Kind, input.Body.StartAt, input.Body.TaskIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-disruption",
		Method:      http.MethodPost,
		Path:        "/disruptions/{id}/end",
		Summary:     "Close a disruption window",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body EndDisruptionRequest `json:"body"`
	}) (*response[domain.Disruption], error) {
		if _, err := require(ctx, auth.PermDisruption); err != nil {
			return nil, handleError(err)
		}
		d, err := e.EndDisruption(ctx, input.ID, input.Body.EndAt)
		if err != nil {
			return nil, handleError(err)
		}
		nudge(ctx, loop)
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-disruptions",
		Method:      http.MethodGet,
		Path:        "/disruptions",
		Summary:     "List disruption windows",
		Errors:      actionErrors,
	}, func(ctx context.Context, _ *struct{}) (*response[DisruptionListResponse], error) {
		if _, err := require(ctx, auth.PermReadAll); err != nil {
			return nil, handleError(err)
		}
		list, err := e.ListDisruptions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DisruptionListResponse{Items: nonNilSlice(list)}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit trail",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind" enum:"assignment,violation,dispute,disruption"`
		EntityID   string `query:"entity_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit" minimum:"0"`
	}) (*response[EventListResponse], error) {
		if _, err := require(ctx, auth.PermReadAll); err != nil {
			return nil, handleError(err)
		}
		list, err := e.ListEvents(ctx, repo.EventFilters{
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Type:       input.Type,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(EventListResponse{Items: nonNilSlice(list)}), nil
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
	}, func(ctx context.Context, _ *struct{}) (*response[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-notifications",
		Method:      http.MethodGet,
		Path:        "/me/notifications",
		Summary:     "Notifications addressed to the current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*response[NotificationListResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.Repo.ListNotificationsFor(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(NotificationListResponse{Items: nonNilSlice(list)}), nil
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
	}) (*response[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
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
