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
	"github.com/google/uuid"

	"contractline/internal/domain"
	"contractline/internal/engine"
	"contractline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"fixture cannot move from rejected to draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Contractline API.
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
	hcfg := huma.DefaultConfig("Contractline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerServices(group, cfg.Engine)
	registerInteractions(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerVerification(group, cfg.Engine)
	registerDeployments(group, cfg.Engine)
	registerGate(group, cfg.Engine)
	registerFixtures(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerAPIKeys(group, cfg.Engine)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
		return "invalid_transition"
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
    <title>Contractline API Docs</title>
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

func registerServices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-service",
		Method:        http.MethodPost,
		Path:          "/services",
		Summary:       "Register service",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterServiceRequest `json:"body"`
	}) (*struct {
		Body domain.Service `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RegisterService(ctx, input.Body.Name, input.Body.Roles, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Service `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List services",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Service `json:"body"`
	}, error) {
		items, err := e.Repo.ListServices(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Service `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-service",
		Method:      http.MethodGet,
		Path:        "/services/{name}",
		Summary:     "Get service",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.Service `json:"body"`
	}, error) {
		s, err := e.Repo.GetService(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Service `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-spec",
		Method:        http.MethodPost,
		Path:          "/services/{name}/versions",
		Summary:       "Upload service version spec",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Name string            `path:"name"`
		Body UploadSpecRequest `json:"body"`
	}) (*struct {
		Body domain.ServiceVersion `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UploadSpec(ctx, engine.UploadSpecOptions{
			Service:     input.Name,
			Version:     input.Body.Version,
			GitSHA:      strPtrValue(input.Body.GitSHA),
			SpecJSON:    strPtrValue(input.Body.SpecJSON),
			PackageJSON: strPtrValue(input.Body.PackageJSON),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceVersion `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-service-versions",
		Method:      http.MethodGet,
		Path:        "/services/{name}/versions",
		Summary:     "List service versions",
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body []domain.ServiceVersion `json:"body"`
	}, error) {
		items, err := e.Repo.ListServiceVersions(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ServiceVersion `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerInteractions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-interaction",
		Method:        http.MethodPost,
		Path:          "/interactions",
		Summary:       "Record interaction",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RecordInteractionRequest `json:"body"`
	}) (*struct {
		Body domain.Interaction `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.RecordInteraction(ctx, engine.RecordInteractionOptions{
			Provider:        input.Body.Provider,
			Operation:       input.Body.Operation,
			Consumer:        input.Body.Consumer,
			ConsumerVersion: input.Body.ConsumerVersion,
			ProviderVersion: input.Body.ProviderVersion,
			Environment:     input.Body.Environment,
			RequestJSON:     input.Body.RequestJSON,
			ResponseJSON:    input.Body.ResponseJSON,
			SpecType:        input.Body.SpecType,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Interaction `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-interactions",
		Method:      http.MethodGet,
		Path:        "/interactions",
		Summary:     "List interactions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Consumer        string `query:"consumer"`
		ConsumerVersion string `query:"consumer_version"`
		Provider        string `query:"provider"`
		Operation       string `query:"operation"`
		ContractID      string `query:"contract_id"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedInteractions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListInteractions(ctx, repo.InteractionFilters{
			Consumer:        input.Consumer,
			ConsumerVersion: input.ConsumerVersion,
			Provider:        input.Provider,
			Operation:       input.Operation,
			ContractID:      input.ContractID,
			Limit:           limit + 1,
			CursorTS:        cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedInteractions{Items: []domain.Interaction{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].TS, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedInteractions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-interaction",
		Method:      http.MethodGet,
		Path:        "/interactions/{id}",
		Summary:     "Get interaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Interaction `json:"body"`
	}, error) {
		in, err := e.Repo.GetInteraction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Interaction `json:"body"`
		}{Body: in}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
	}, func(ctx context.Context, input *struct {
		Consumer string `query:"consumer"`
		Provider string `query:"provider"`
		Status   string `query:"status"`
	}) (*struct {
		Body []domain.Contract `json:"body"`
	}, error) {
		items, err := e.Repo.ListContracts(ctx, repo.ContractFilters{
			Consumer: input.Consumer,
			Provider: input.Provider,
			Status:   input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Contract `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		c, err := e.Repo.GetContract(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-contract-status",
		Method:      http.MethodPatch,
		Path:        "/contracts/{id}/status",
		Summary:     "Set contract status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body SetContractStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetContractStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebuild-contracts",
		Method:      http.MethodPost,
		Path:        "/contracts/rebuild",
		Summary:     "Rebuild contracts from the interaction ledger",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RebuildContractsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.RebuildContracts(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RebuildContractsResponse `json:"body"`
		}{Body: RebuildContractsResponse{Contracts: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stale-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts/stale",
		Summary:     "Contracts proposed for archival",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OlderThan string `query:"older_than" default:"720h" doc:"Go duration, e.g. 720h"`
	}) (*struct {
		Body []domain.Contract `json:"body"`
	}, error) {
		d, err := time.ParseDuration(input.OlderThan)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid older_than duration", map[string]any{"older_than": input.OlderThan})
		}
		items, err := e.StaleContracts(ctx, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Contract `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-verification-tasks",
		Method:      http.MethodGet,
		Path:        "/verification/tasks",
		Summary:     "List verification tasks",
	}, func(ctx context.Context, input *struct {
		Provider      string `query:"provider"`
		Consumer      string `query:"consumer"`
		IncludeClosed bool   `query:"include_closed"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.VerificationTask `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Provider:      input.Provider,
			Consumer:      input.Consumer,
			IncludeClosed: input.IncludeClosed,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.VerificationTask `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verification-task",
		Method:      http.MethodGet,
		Path:        "/verification/tasks/{id}",
		Summary:     "Get verification task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.VerificationTask `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-reverification",
		Method:        http.MethodPost,
		Path:          "/verification/tasks",
		Summary:       "Request re-verification of an exact version pair",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RequestReverificationRequest `json:"body"`
	}) (*struct {
		Body ReverificationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, created, err := e.RequestReverification(ctx,
			input.Body.Consumer, input.Body.ConsumerVersion,
			input.Body.Provider, input.Body.ProviderVersion, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReverificationResponse `json:"body"`
		}{Body: ReverificationResponse{Task: t, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-verification-result",
		Method:        http.MethodPost,
		Path:          "/verification/tasks/{id}/results",
		Summary:       "Submit verification result",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitResultRequest `json:"body"`
	}) (*struct {
		Body domain.VerificationResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitVerificationResult(ctx, engine.SubmitResultOptions{
			TaskID:   input.ID,
			SpecType: input.Body.SpecType,
			Outcomes: input.Body.Outcomes,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verification-results",
		Method:      http.MethodGet,
		Path:        "/verification/results",
		Summary:     "List verification results",
	}, func(ctx context.Context, input *struct {
		Provider        string `query:"provider"`
		ProviderVersion string `query:"provider_version"`
		Consumer        string `query:"consumer"`
		ConsumerVersion string `query:"consumer_version"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.VerificationResult `json:"body"`
	}, error) {
		items, err := e.Repo.ListResults(ctx, repo.ResultFilters{
			Provider:        input.Provider,
			ProviderVersion: input.ProviderVersion,
			Consumer:        input.Consumer,
			ConsumerVersion: input.ConsumerVersion,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.VerificationResult `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerDeployments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-deployment",
		Method:        http.MethodPost,
		Path:          "/deployments",
		Summary:       "Record deployment attempt",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RecordDeploymentRequest `json:"body"`
	}) (*struct {
		Body domain.DeploymentState `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RecordDeployment(ctx, engine.RecordDeploymentOptions{
			Service:       input.Body.Service,
			Version:       input.Body.Version,
			Environment:   input.Body.Environment,
			Status:        input.Body.Status,
			GitSHA:        input.Body.GitSHA,
			FailureReason: input.Body.FailureReason,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeploymentState `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/active",
		Summary:     "Get active deployment",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Service     string `query:"service" required:"true"`
		Environment string `query:"environment" required:"true"`
	}) (*struct {
		Body domain.DeploymentState `json:"body"`
	}, error) {
		d, err := e.ActiveDeployment(ctx, input.Service, input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeploymentState `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployments",
		Method:      http.MethodGet,
		Path:        "/deployments",
		Summary:     "List deployment history",
	}, func(ctx context.Context, input *struct {
		Service     string `query:"service"`
		Environment string `query:"environment"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.DeploymentState `json:"body"`
	}, error) {
		items, err := e.DeploymentHistory(ctx, input.Service, input.Environment, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeploymentState `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerGate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "can-i-deploy",
		Method:      http.MethodGet,
		Path:        "/can-i-deploy",
		Summary:     "Compatibility gate",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Service     string `query:"service" required:"true"`
		Version     string `query:"version" required:"true"`
		Role        string `query:"role" required:"true" enum:"consumer,provider"`
		Environment string `query:"environment" required:"true"`
	}) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		d, err := e.CanDeploy(ctx, input.Service, input.Version, input.Role, input.Environment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})
}

func registerFixtures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-fixture",
		Method:        http.MethodPost,
		Path:          "/fixtures",
		Summary:       "Propose fixture",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProposeFixtureRequest `json:"body"`
	}) (*struct {
		Body domain.Fixture `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.ProposeFixture(ctx, engine.ProposeFixtureOptions{
			Service:         input.Body.Service,
			Operation:       input.Body.Operation,
			ServiceVersions: input.Body.ServiceVersions,
			DataJSON:        input.Body.DataJSON,
			Source:          input.Body.Source,
			Priority:        input.Body.Priority,
			Notes:           input.Body.Notes,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fixture `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fixtures",
		Method:      http.MethodGet,
		Path:        "/fixtures",
		Summary:     "List fixtures",
	}, func(ctx context.Context, input *struct {
		Service   string `query:"service"`
		Operation string `query:"operation"`
		Status    string `query:"status"`
		Source    string `query:"source"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Fixture `json:"body"`
	}, error) {
		items, err := e.Repo.ListFixtures(ctx, repo.FixtureFilters{
			Service:   input.Service,
			Operation: input.Operation,
			Status:    input.Status,
			Source:    input.Source,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Fixture `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-fixture",
		Method:      http.MethodGet,
		Path:        "/fixtures/{id}",
		Summary:     "Get fixture",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Fixture `json:"body"`
	}, error) {
		f, err := e.Repo.GetFixture(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fixture `json:"body"`
		}{Body: f}, nil
	})

	type fixtureReview struct {
		ID   string               `path:"id"`
		Body FixtureReviewRequest `json:"body,omitempty"`
	}
	reviewErrors := []int{
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-fixture",
		Method:      http.MethodPost,
		Path:        "/fixtures/{id}/approve",
		Summary:     "Approve fixture",
		Errors:      reviewErrors,
	}, func(ctx context.Context, input *fixtureReview) (*struct {
		Body domain.Fixture `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.ApproveFixture(ctx, input.ID, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fixture `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-fixture",
		Method:      http.MethodPost,
		Path:        "/fixtures/{id}/reject",
		Summary:     "Reject fixture",
		Errors:      reviewErrors,
	}, func(ctx context.Context, input *fixtureReview) (*struct {
		Body domain.Fixture `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.RejectFixture(ctx, input.ID, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fixture `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-fixture",
		Method:      http.MethodPost,
		Path:        "/fixtures/{id}/revoke",
		Summary:     "Revoke approved fixture",
		Errors:      reviewErrors,
	}, func(ctx context.Context, input *fixtureReview) (*struct {
		Body domain.Fixture `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.RevokeFixture(ctx, input.ID, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fixture `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-fixtures",
		Method:      http.MethodPost,
		Path:        "/fixtures/approve-all",
		Summary:     "Approve fixtures in bulk",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ApproveFixturesRequest `json:"body"`
	}) (*struct {
		Body BatchOutcomesResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var outcomes []engine.BatchOutcome
		if len(input.Body.IDs) > 0 {
			outcomes = e.ApproveFixtures(ctx, input.Body.IDs, actorID)
		} else {
			var err error
			outcomes, err = e.ApproveAllDrafts(ctx, input.Body.Service, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body BatchOutcomesResponse `json:"body"`
		}{Body: BatchOutcomesResponse{Outcomes: nonNilSlice(outcomes)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event ledger",
	}, func(ctx context.Context, input *struct {
		Service    string `query:"service"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEventsFrom(ctx, normalizeLimit(input.Limit), input.Cursor, repo.EventFilters{
			Service:    input.Service,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilSlice(items)}, nil
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		secret := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(items)}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
