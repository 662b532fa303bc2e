// Package server exposes the HTTP API: scene lifecycle, versions, signed
// media links, export, the generation callback, and the event log.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sceneline/internal/engine"
	"sceneline/internal/generate"
	"sceneline/internal/repo"
	"sceneline/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"scene has a generation in flight"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Sceneline API.
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
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Sceneline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerScenes(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerExport(group, cfg.Engine)
	registerCallbacks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"account_id": fe.AccountID, "status": fe.Status})
	}
	var xe tracker.ExternalError
	if errors.As(err, &xe) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusBadGateway:
		return "upstream_error"
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
    <title>Sceneline API Docs</title>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		accountID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Title, desc, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerScenes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-scene",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/scenes",
		Summary:       "Create scene",
		Description:   "Allocates the next ordinal, records the scene queued at version 1, and submits a generation job.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateSceneRequest `json:"body"`
	}) (*struct {
		Body SceneResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		accountID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SceneCreateOptions{
			ProjectID:     input.ProjectID,
			OwnerID:       accountID,
			StartFrameKey: input.Body.StartFrameKey,
			ShotType:      input.Body.ShotType,
		}
		if input.Body.EndFrameKey != nil {
			opts.EndFrameKey = *input.Body.EndFrameKey
		}
		if input.Body.FolderID != nil {
			opts.FolderID = *input.Body.FolderID
		}
		s, err := e.CreateScene(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SceneResponse `json:"body"`
		}{Body: sceneResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scenes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scenes",
		Summary:     "List scenes",
		Description: "Live scenes in ordinal order. Soft-deleted scenes are excluded.",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"queued,processing,ready,error,"`
	}) (*struct {
		Body []SceneResponse `json:"body"`
	}, error) {
		items, err := e.ListScenes(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SceneResponse `json:"body"`
		}{Body: mapScenes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scene",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scenes/{id}",
		Summary:     "Get scene",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body SceneResponse `json:"body"`
	}, error) {
		s, err := e.GetScene(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "scene not found in project", nil)
		}
		return &struct {
			Body SceneResponse `json:"body"`
		}{Body: sceneResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate-scene",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/scenes/{id}/regenerate",
		Summary:     "Regenerate scene",
		Description: "Re-queues a ready or errored scene and submits a new generation job. Refused while a job is in flight.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body SceneResponse `json:"body"`
	}, error) {
		accountID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RegenerateScene(ctx, input.ID, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SceneResponse `json:"body"`
		}{Body: sceneResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-scene",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/scenes/{id}",
		Summary:     "Delete scene",
		Description: "Soft delete. The scene stays restorable for the undo window, then is purged with its versions.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		accountID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteScene(ctx, input.ID, accountID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-scene",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/scenes/{id}/restore",
		Summary:     "Restore scene",
		Description: "Undo a soft delete while the undo window is open.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body SceneResponse `json:"body"`
	}, error) {
		accountID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RestoreScene(ctx, input.ID, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SceneResponse `json:"body"`
		}{Body: sceneResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scene-frame-urls",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scenes/{id}/frames",
		Summary:     "Signed frame URLs",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []SignedURLResponse `json:"body"`
	}, error) {
		urls, err := e.FrameURLs(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SignedURLResponse `json:"body"`
		}{Body: mapSignedURLs(urls)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scene-media-url",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scenes/{id}/media",
		Summary:     "Signed media URL",
		Description: "Signed link for one version's media; latest when version is omitted.",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		Version   int    `query:"version"`
	}) (*struct {
		Body SignedURLResponse `json:"body"`
	}, error) {
		u, err := e.MediaURL(ctx, input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignedURLResponse `json:"body"`
		}{Body: SignedURLResponse{Key: u.Key, URL: u.URL, Expires: u.Expires}}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-scene-versions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scenes/{id}/versions",
		Summary:     "List scene versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []VersionResponse `json:"body"`
	}, error) {
		items, err := e.ListVersions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VersionResponse `json:"body"`
		}{Body: mapVersions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-scene-version",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/scenes/{id}/versions",
		Summary:       "Append scene version",
		Description:   "Direct append for imported media. expected_prior must equal the current number of version records.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		Body      struct {
			ExpectedPrior int    `json:"expected_prior"`
			MediaKey      string `json:"media_key"`
			MetaJSON      string `json:"meta_json,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if _, authErr := accountIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		v, err := e.AppendVersion(ctx, input.ID, input.Body.ExpectedPrior, input.Body.MediaKey, input.Body.MetaJSON)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})
}

func registerExport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/export",
		Summary:     "Export manifest",
		Description: "Latest ready media per scene with signed links, in ordinal order.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body engine.ExportManifest `json:"body"`
	}, error) {
		accountID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		manifest, err := e.Export(ctx, input.ProjectID, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExportManifest `json:"body"`
		}{Body: manifest}, nil
	})
}

func registerCallbacks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generation-callback",
		Method:      http.MethodPost,
		Path:        "/callbacks/generation",
		Summary:     "Generation job callback",
		Description: "Inbound status report from the generation service. Idempotent; duplicate and stale deliveries are no-ops.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body GenerationCallbackRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if input.Body.SceneID == "" || input.Body.JobID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scene_id and job_id are required", nil)
		}
		status := generate.JobStatus{
			JobID:    input.Body.JobID,
			State:    generate.State(input.Body.State),
			MediaKey: input.Body.MediaKey,
			Error:    input.Body.Error,
			Meta:     input.Body.Meta,
		}
		if err := e.Tracker.Observe(ctx, input.Body.SceneID, input.Body.JobID, status); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "accepted"}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ensure-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Ensure account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ID     string `json:"id"`
			Status string `json:"status,omitempty" enum:"active,pending,rejected,"`
		} `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		a, err := e.EnsureAccount(ctx, input.Body.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{ID: a.ID, Status: a.Status, CreatedAt: a.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-account-status",
		Method:      http.MethodPatch,
		Path:        "/accounts/{id}/status",
		Summary:     "Set account status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status string `json:"status" enum:"active,pending,rejected"`
		} `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.SetAccountStatus(ctx, input.ID, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: AccountResponse{ID: a.ID, Status: a.Status, CreatedAt: a.CreatedAt}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		Description:   "Returns the plaintext key once; only the hash is stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if input.Body.AccountID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account_id is required", nil)
		}
		plaintext := uuid.NewString() + uuid.NewString()
		key, err := e.CreateAPIKey(ctx, input.Body.AccountID, input.Body.Name, plaintext)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			AccountID: key.AccountID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		AccountID string `query:"account_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeyResponse{ID: k.ID, AccountID: k.AccountID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
