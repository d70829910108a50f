// Package httpapi implements the HTTP API for Chorus.
//
// Routes:
//   - POST /v1/jobs submits a goal; GET /v1/jobs/{id} polls its result
//   - conversation, graph, cancel and release endpoints per job
//   - live scheduler events over WebSocket and SSE
//   - unauthenticated /healthz, /readyz and /metrics
//
// The API carries no authentication. TLS and access control are expected
// from a reverse proxy.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/observability"
	"github.com/jkaninda/chorus/internal/orchestrator"
	"github.com/jkaninda/chorus/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // 0 = 1 MB default.

	MetricsRegistry *prometheus.Registry            // Registry served on /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
	Limiter         *ratelimit.Limiter              // Submissions per client address. nil = unlimited.
}

// JobService runs and inspects jobs. *orchestrator.Engine implements it.
type JobService interface {
	Submit(ctx context.Context, msg domain.ChatMessage) (string, error)
	QueryResult(ctx context.Context, id string) (*domain.JobResult, error)
	ConversationView(ctx context.Context, id string) ([]domain.MessageView, error)
	Graph(ctx context.Context, id string) (*orchestrator.GraphSnapshot, error)
	Cancel(ctx context.Context, id string) error
	Release(id string)
	Events() *orchestrator.EventHub
}

// Store is the persistence the API reads directly. storage.Store implements it.
type Store interface {
	EnsureSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, sessionID string, limit int) ([]domain.Job, error)
	ListFiles(ctx context.Context, sessionID string) ([]domain.File, error)
	ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error)
	ListGraphDBs(ctx context.Context) ([]domain.GraphDB, error)
}

// TriggerService lists and fires cron triggers. *trigger.Scheduler implements it.
type TriggerService interface {
	List(ctx context.Context) ([]domain.Trigger, error)
	RunNow(ctx context.Context, name string) (string, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	jobs     JobService
	store    Store          // nil = session and catalog endpoints disabled.
	triggers TriggerService // nil = trigger endpoints disabled.
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway in front of jobs.
func NewGateway(cfg Config, jobs JobService, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config: cfg,
		jobs:   jobs,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithStore enables session, file and catalog endpoints.
func (g *Gateway) WithStore(s Store) *Gateway {
	g.store = s
	return g
}

// WithTriggers enables trigger listing and manual runs.
func (g *Gateway) WithTriggers(t TriggerService) *Gateway {
	g.triggers = t
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Chorus",
			Version: "v0.1.0",
		},
	)
	return g
}

// routes mounts every endpoint on the okapi instance.
func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.group = g.okapi.Group("/v1", observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	} else {
		g.group = g.okapi.Group("/v1")
	}

	g.group.Post("/jobs", g.handleSubmit,
		okapi.DocSummary("Submit a goal as a new job"),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(SubmitRequest{}),
		okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/jobs/{id}", g.handleResult,
		okapi.DocSummary("Get the current result of a job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(JobResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/jobs/{id}/conversation", g.handleConversation,
		okapi.DocSummary("Get the question, reasoning and answer of a job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse([]domain.MessageView{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/jobs/{id}/graph", g.handleGraph,
		okapi.DocSummary("Get the decomposition graph of a job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(orchestrator.GraphSnapshot{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/jobs/{id}/cancel", g.handleCancel,
		okapi.DocSummary("Cancel a running job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/jobs/{id}", g.handleRelease,
		okapi.DocSummary("Drop a finished job from memory; persisted results stay readable"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/jobs/{id}/stream", g.handleStream,
		okapi.DocSummary("Stream scheduler events of a job as server-sent events"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if g.store != nil {
		g.group.Get("/sessions", g.handleSessions,
			okapi.DocSummary("List recent sessions"),
			okapi.DocTags("Sessions"),
			okapi.DocResponse([]SessionResponse{}),
		)
		g.group.Get("/sessions/{id}/jobs", g.handleSessionJobs,
			okapi.DocSummary("List the jobs of a session"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("id", "string", "Session ID"),
			okapi.DocResponse([]domain.Job{}),
		)
		g.group.Get("/sessions/{id}/files", g.handleSessionFiles,
			okapi.DocSummary("List the files attached to a session"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("id", "string", "Session ID"),
			okapi.DocResponse([]FileResponse{}),
		)
		g.group.Get("/catalog", g.handleCatalog,
			okapi.DocSummary("List registered knowledge bases and graph databases"),
			okapi.DocTags("Catalog"),
			okapi.DocResponse(CatalogResponse{}),
		)
	}

	if g.triggers != nil {
		g.group.Get("/triggers", g.handleTriggerList,
			okapi.DocSummary("List cron triggers"),
			okapi.DocTags("Triggers"),
			okapi.DocResponse([]TriggerResponse{}),
		)
		g.group.Post("/triggers/{name}/run", g.handleTriggerRun,
			okapi.DocSummary("Fire a trigger now"),
			okapi.DocTags("Triggers"),
			okapi.DocPathParam("name", "string", "Trigger name"),
			okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// WebSocket upgrade needs the raw ResponseWriter.
	g.okapi.HandleStd("GET", "/v1/jobs/{id}/events", g.handleEvents)

	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
