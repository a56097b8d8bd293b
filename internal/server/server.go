package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"updatebot/internal/domain"
	"updatebot/internal/engine"
	"updatebot/internal/metrics"
	"updatebot/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics instruments API requests when set.
	Metrics *metrics.Metrics
	// Gatherer backs GET /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"deployment not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the UpdateBot API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("UpdateBot API", "0.1.0")
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		bearerScheme: {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDeployments(group, cfg.Engine)
	registerCrawl(group, cfg.Engine, &crawlGuard{}, cfg.Logger)
	registerEvents(group, cfg.Engine)
	registerMetrics(router, cfg.Gatherer)

	return cfg.Metrics.Instrument(router), nil
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

// handleError maps error kinds to statuses. Not-found is checked first since
// catalog lookups tag misses with both kinds.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "canceled", msg, nil)
	case errors.Is(err, domain.ErrCatalog):
		return newAPIError(http.StatusInternalServerError, "catalog_error", "catalog error", map[string]any{"error": msg})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerMetrics(r chi.Router, g prometheus.Gatherer) {
	if g == nil {
		r.Handle("/metrics", promhttp.Handler())
		return
	}
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
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

func registerDeployments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deployments",
		Method:      http.MethodGet,
		Path:        "/deployments",
		Summary:     "List deployments",
	}, func(ctx context.Context, input *struct {
		Roots bool   `query:"roots" doc:"only root deployments"`
		Name  string `query:"name" doc:"case-insensitive name filter"`
	}) (*struct {
		Body DeploymentList `json:"body"`
	}, error) {
		var (
			nodes []domain.DeploymentNode
			err   error
		)
		if input.Roots {
			nodes, err = e.Repo.FindRoots(ctx)
		} else {
			nodes, err = e.Repo.ListDeployments(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := DeploymentList{Items: []domain.DeploymentNode{}}
		for _, n := range nodes {
			if input.Name != "" && !strings.EqualFold(n.Name, input.Name) {
				continue
			}
			resp.Items = append(resp.Items, n)
		}
		return &struct {
			Body DeploymentList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}",
		Summary:     "Get a deployment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeploymentDetail `json:"body"`
	}, error) {
		n, err := e.Repo.FindNode(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		outputs, err := e.Repo.ListArtifacts(ctx, n.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resources, err := e.Repo.Resources(ctx, domain.OwnerNode, n.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeploymentDetail `json:"body"`
		}{Body: deploymentDetail(n, outputs, resources)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment-tree",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}/tree",
		Summary:     "Get a deployment subtree with outputs and derived artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TreeResponse `json:"body"`
	}, error) {
		t, err := e.Tree(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TreeResponse `json:"body"`
		}{Body: treeResponse(t)}, nil
	})
}

// crawlGuard lets one API-triggered crawl run at a time.
type crawlGuard struct {
	mu sync.Mutex
}

func registerCrawl(api huma.API, e engine.Engine, guard *crawlGuard, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	huma.Register(api, huma.Operation{
		OperationID: "trigger-crawl",
		Method:      http.MethodPost,
		Path:        "/crawl",
		Summary:     "Run an update crawl",
		Security:    []map[string][]string{{bearerScheme: {}}},
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CrawlRequest
	}) (*struct {
		Body engine.CrawlReport `json:"body"`
	}, error) {
		if !guard.mu.TryLock() {
			return nil, newAPIError(http.StatusConflict, "crawl_running", "a crawl is already running", nil)
		}
		defer guard.mu.Unlock()
		if p, ok := principalFromContext(ctx); ok {
			logger.Info("crawl triggered", "subject", p.Subject, "source", p.Source, "deployment", input.Body.Deployment)
		}
		report, err := e.CrawlAll(ctx, engine.CrawlFilter{Deployment: input.Body.Deployment})
		if err != nil {
			return nil, handleError(err)
		}
		if report.Roots == nil {
			report.Roots = []engine.RootReport{}
		}
		return &struct {
			Body engine.CrawlReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent crawl events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RootID   string `query:"root_id"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Level    string `query:"level" enum:"info,warn,error"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			RootID:   input.RootID,
			Type:     input.Type,
			EntityID: input.EntityID,
			Level:    input.Level,
			Cursor:   cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
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

func normalizeLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	}
	return n
}
