package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/repo"
)

var logger = loggo.GetLogger("marketline.server")

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exceeded"`
	Message string         `json:"message" example:"offer o-1 has no free slot (2/2)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"PENDING\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](body T) *output[T] {
	return &output[T]{Body: body}
}

// New returns an HTTP handler exposing the marketline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema/request validation errors are 400s; 422 is reserved for
			// out-of-range domain values.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Marketline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOffers(group, cfg.Engine)
	registerAgreements(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerServices(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
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

// handleError maps engine failures onto the error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		logger.Errorf("internal error: %v", err)
		return newAPIError(status, "internal_error", "internal error", nil)
	}
	var details map[string]any
	var de *domain.Error
	if errors.As(err, &de) {
		details = map[string]any{}
		for k, v := range map[string]string{
			"field":  de.Field,
			"state":  de.State,
			"action": de.Action,
			"reason": de.Reason,
		} {
			if v != "" {
				details[k] = v
			}
		}
		if len(details) == 0 {
			details = nil
		}
	}
	return newAPIError(status, domain.Code(kind), err.Error(), details)
}

func statusForKind(kind error) int {
	switch kind {
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrConflict, domain.ErrCapacityExceeded, domain.ErrInvalidState, domain.ErrInvalidTransition:
		return http.StatusConflict
	case domain.ErrExpired:
		return http.StatusGone
	case domain.ErrNotEligible, domain.ErrForbidden:
		return http.StatusForbidden
	case domain.ErrOutOfRange, domain.ErrInvalidStartTime:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "expired"
	case http.StatusUnprocessableEntity:
		return "out_of_range"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireKind(actor domain.Actor, kind domain.ActorKind) huma.StatusError {
	if actor.Kind != kind {
		return newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("only a %s may do this", kind), map[string]any{"actor_kind": actor.Kind})
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	render := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		spec, _ := json.Marshal(oas)
		return spec
	})
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		spec := render()
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
	healthPath := path.Join("/", basePath, "health")
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
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
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"offer,agreement,execution,service,associate"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(e, input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation_error", "invalid cursor", map[string]any{"field": "cursor"})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-capacity",
		Method:      http.MethodGet,
		Path:        "/audit/capacity",
		Summary:     "Offers whose applicant count disagrees with their agreements",
	}, func(ctx context.Context, _ *struct{}) (*output[[]repo.CapacityDrift], error) {
		drifts, err := e.AuditCapacity(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(drifts)), nil
	})
}

func normalizeLimit(e engine.Engine, in int) int {
	def, ceiling := 50, 200
	if e.Config != nil {
		def, ceiling = e.Config.Engine.DefaultPageSize, e.Config.Engine.MaxPageSize
	}
	if in <= 0 {
		return def
	}
	if in > ceiling {
		return ceiling
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
