// Package server exposes the generation engine over HTTP. Task acceptance is
// asynchronous: mutating endpoints return 202 with the pending record and
// clients observe progress by polling the task status endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"draftline/internal/engine"
	"draftline/internal/repo"
	"draftline/internal/taskerr"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"prerequisite_incomplete"`
	Message string         `json:"message" example:"draft_generation requires outline_generation to complete first"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Draftline API.
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
	hcfg := huma.DefaultConfig("Draftline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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

// handleError maps engine failures to the error envelope. Only the
// synchronous subset of the taxonomy reaches here; pipeline failures are
// stored on the task record and observed by polling.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te *taskerr.Error
	if errors.As(err, &te) {
		return newAPIError(statusForCode(te.Code), string(te.Code), te.Message, te.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code taskerr.Code) int {
	switch code {
	case taskerr.CodeConflict:
		return http.StatusConflict
	case taskerr.CodePrerequisiteIncomplete:
		return http.StatusUnprocessableEntity
	case taskerr.CodeInvalidInput:
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
		return "prerequisite_incomplete"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func actorID(header string) string {
	if header == "" {
		return "api"
	}
	return header
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

func registerTasks(api huma.API, e engine.Engine) {
	type taskPath struct {
		EntityID string `path:"entity_id"`
		TaskType string `path:"task_type"`
		Actor    string `header:"X-Actor-Id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-task",
		Method:        http.MethodPost,
		Path:          "/proposals/{entity_id}/tasks/{task_type}",
		Summary:       "Start a generation task",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Start(ctx, input.EntityID, input.TaskType, actorID(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "regenerate-task",
		Method:        http.MethodPost,
		Path:          "/proposals/{entity_id}/tasks/{task_type}/regenerate",
		Summary:       "Discard a finished attempt and run again",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Regenerate(ctx, input.EntityID, input.TaskType, actorID(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-status",
		Method:      http.MethodGet,
		Path:        "/proposals/{entity_id}/tasks/{task_type}",
		Summary:     "Poll task status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		TaskType string `path:"task_type"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Status(ctx, input.EntityID, input.TaskType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/proposals/{entity_id}/tasks",
		Summary:     "List tasks for a proposal",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-artifact",
		Method:      http.MethodPut,
		Path:        "/proposals/{entity_id}/artifacts/{kind}",
		Summary:     "Store a client input document",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string         `path:"entity_id"`
		Kind     string         `path:"kind"`
		Actor    string         `header:"X-Actor-Id"`
		Body     map[string]any `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		payload, err := marshalBody(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "body must be a JSON object", nil)
		}
		a, err := e.PutArtifact(ctx, input.EntityID, input.Kind, payload, actorID(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/proposals/{entity_id}/artifacts/{kind}",
		Summary:     "Fetch an artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		Kind     string `path:"kind"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetArtifact(ctx, input.EntityID, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/proposals/{entity_id}/artifacts",
		Summary:     "List artifacts for a proposal",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListArtifacts(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := []ArtifactResponse{}
		for _, a := range items {
			res = append(res, artifactResponse(a))
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List prompt template versions",
	}, func(ctx context.Context, input *struct {
		SectionKey string `query:"section_key"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx, input.SectionKey)
		if err != nil {
			return nil, handleError(err)
		}
		res := []TemplateResponse{}
		for _, t := range items {
			res = append(res, templateResponse(t))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/proposals/{entity_id}/events",
		Summary:     "List events for a proposal, newest first",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		Type     string `query:"type"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.EntityID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		res := []EventResponse{}
		for _, ev := range items {
			res = append(res, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}
