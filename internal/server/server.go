package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"linkline/internal/domain"
	"linkline/internal/engine"
	"linkline/internal/engine/auth"
	"linkline/internal/repo"
	"linkline/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	BasePath  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"token not valid for result"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Linkline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
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
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Linkline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerUploads(group, cfg.Engine)
	registerRuns(group, cfg.Engine, cfg.Scheduler)

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

// handleError maps engine failures onto the wire taxonomy. Authorization
// failures against missing resources still read forbidden, never not-found.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var missing auth.MissingAuthError
	if errors.As(err, &missing) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"scope": string(forbidden.Scope)})
	}
	if errors.Is(err, engine.ErrInvalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		// Lookups behind auth must not leak existence.
		return newAPIError(http.StatusForbidden, "forbidden", "forbidden", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

type projectPath struct {
	ProjectID string `path:"project_id"`
	Auth      string `header:"Authorization"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project and mint its tokens",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body NewProjectResponse
	}, error) {
		opts := engine.ProjectCreateOptions{
			Schema:     input.Body.Schema,
			ResultType: input.Body.ResultType,
		}
		if input.Body.NumberParties != nil {
			opts.NumberParties = *input.Body.NumberParties
		}
		if input.Body.Name != nil {
			opts.Name = *input.Body.Name
		}
		if input.Body.Notes != nil {
			opts.Notes = *input.Body.Notes
		}
		created, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NewProjectResponse
		}{Body: NewProjectResponse{
			ProjectID:    created.ProjectID,
			UpdateTokens: created.UpdateTokens,
			ResultToken:  created.ResultToken,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List project summaries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectSummary
	}, error) {
		projects, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectSummary
		}{Body: projectSummaries(projects)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "describe-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Describe a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ProjectDescription
	}, error) {
		desc, err := e.DescribeProject(ctx, input.ProjectID, input.Auth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectDescription
		}{Body: desc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete a project and all its data",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.ProjectID, input.Auth); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUploads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-clks",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/clks",
		Summary:       "Upload one party's encodings",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Auth        string `header:"Authorization"`
		ContentType string `header:"Content-Type"`
		HashCount   string `header:"Hash-Count"`
		HashSize    string `header:"Hash-Size"`
		RawBody     []byte
	}) (*struct {
		Body UploadResponse
	}, error) {
		opts := engine.UploadOptions{
			ProjectID: input.ProjectID,
			Token:     input.Auth,
		}
		if strings.Contains(input.ContentType, "octet-stream") {
			count, err := strconv.Atoi(strings.TrimSpace(input.HashCount))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "Hash-Count header required for binary upload", nil)
			}
			size, err := strconv.Atoi(strings.TrimSpace(input.HashSize))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "Hash-Size header required for binary upload", nil)
			}
			opts.EncodingCount = count
			opts.EncodingSize = size
			opts.Encodings = input.RawBody
		} else {
			count, size, data, err := decodeJSONCLKs(input.RawBody)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			opts.EncodingCount = count
			opts.EncodingSize = size
			opts.Encodings = data
		}
		receipt, err := e.Upload(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadResponse
		}{Body: UploadResponse{ReceiptToken: receipt}}, nil
	})
}

// decodeJSONCLKs unpacks {"clks": [base64, ...]} into a contiguous blob,
// requiring every encoding to share one byte length.
func decodeJSONCLKs(raw []byte) (count, size int, data []byte, err error) {
	var body UploadEncodingsRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, 0, nil, errors.New("body must be JSON with a clks array")
	}
	if len(body.CLKs) == 0 {
		return 0, 0, nil, errors.New("clks array must not be empty")
	}
	for i, clk := range body.CLKs {
		decoded, err := base64.StdEncoding.DecodeString(clk)
		if err != nil {
			return 0, 0, nil, errors.New("clks entries must be base64")
		}
		if i == 0 {
			size = len(decoded)
		} else if len(decoded) != size {
			return 0, 0, nil, errors.New("clks entries must share one encoding size")
		}
		data = append(data, decoded...)
	}
	return len(body.CLKs), size, data, nil
}

func registerRuns(api huma.API, e engine.Engine, sched *scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/runs",
		Summary:       "Create a run",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Auth      string `header:"Authorization"`
		Body      CreateRunRequest
	}) (*struct {
		Body NewRunResponse
	}, error) {
		if input.Body.Threshold == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "threshold is required", nil)
		}
		opts := engine.RunCreateOptions{
			ProjectID: input.ProjectID,
			Token:     input.Auth,
			Threshold: *input.Body.Threshold,
		}
		if input.Body.Notes != nil {
			opts.Notes = *input.Body.Notes
		}
		run, err := e.CreateRun(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NewRunResponse
		}{Body: NewRunResponse{RunID: run.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List a project's runs",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []RunSummary
	}, error) {
		runs, err := e.ListRuns(ctx, input.ProjectID, input.Auth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunSummary
		}{Body: runSummaries(runs)}, nil
	})

	type runPath struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
		Auth      string `header:"Authorization"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "describe-run",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}",
		Summary:     "Describe a run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body RunDescriptionResponse
	}, error) {
		run, err := e.GetRun(ctx, input.ProjectID, input.RunID, input.Auth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunDescriptionResponse
		}{Body: runDescription(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/status",
		Summary:     "Poll a run's stage and progress",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.RunStatus
	}, error) {
		run, err := e.GetRun(ctx, input.ProjectID, input.RunID, input.Auth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunStatus
		}{Body: sched.Status(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-result",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/result",
		Summary:     "Fetch a completed run's result",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body map[string]any `json:"body" jsonschema:"type=object,additionalProperties=true"`
	}, error) {
		run, err := e.GetRun(ctx, input.ProjectID, input.RunID, input.Auth)
		if err != nil {
			return nil, handleError(err)
		}
		body := resultBody(run)
		return &struct {
			Body map[string]any `json:"body" jsonschema:"type=object,additionalProperties=true"`
		}{Body: body}, nil
	})
}

// resultBody renders the run result, or the current state for runs that have
// not completed. Results are never fabricated early.
func resultBody(run domain.Run) map[string]any {
	if run.State == domain.RunCompleted && run.ResultJSON != nil {
		var res map[string]any
		if err := json.Unmarshal([]byte(*run.ResultJSON), &res); err == nil {
			return res
		}
	}
	body := map[string]any{
		"state":   run.State,
		"message": "run is not complete",
	}
	if run.State == domain.RunError {
		body["message"] = run.ErrorMessage
	}
	return body
}
