package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/repository"
	"github.com/stackd/stackd/internal/service/deploy"
	"github.com/stackd/stackd/internal/ws"
)

// DeployService is the slice of the deploy service the API needs.
type DeployService interface {
	Trigger(ctx context.Context, req deploy.TriggerRequest) (*domain.Deployment, error)
	Cancel(ctx context.Context, deploymentID string) error
}

// LogLister reads stored deployment log lines.
type LogLister interface {
	List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error)
}

// StageLister reads stage rows in pipeline order.
type StageLister interface {
	List(ctx context.Context, deploymentID string) ([]domain.DeploymentStage, error)
}

// RuntimeOps is the slice of the container runtime the API needs.
type RuntimeOps interface {
	Available() bool
	Logs(ctx context.Context, deploymentID string, tail int) ([]string, error)
	Check(ctx context.Context, deploymentID string) (*domain.HealthCheck, error)
	Stop(ctx context.Context, deploymentID string) error
}

// ArtifactStore removes published artifacts for a deployment.
type ArtifactStore interface {
	Remove(deploymentID string) error
}

// BuildCleaner removes a deployment's leftover build workspace.
type BuildCleaner interface {
	CleanupByID(deploymentID string) error
}

// Options tunes router behavior.
type Options struct {
	// DeployRateLimit caps deployment triggers per client IP inside
	// DeployRateWindow. Zero disables the limit.
	DeployRateLimit  int
	DeployRateWindow time.Duration

	// ArtifactsDir, when set, is served under /deployments/.
	ArtifactsDir string
}

// Deps collects the router's collaborators. Runtime, Artifacts, Redis
// and DBHealth may be nil.
type Deps struct {
	Logger      *slog.Logger
	Deploy      DeployService
	Logs        LogLister
	Stages      StageLister
	Deployments repository.DeploymentRepository
	Projects    repository.ProjectRepository
	Health      repository.HealthCheckRepository
	Runtime     RuntimeOps
	Artifacts   ArtifactStore
	Builds      BuildCleaner
	Hub         *ws.Hub
	Redis       *redis.Client
	DBHealth    func(ctx context.Context) error
	Registry    prometheus.Registerer
}

// Router wires the HTTP API.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deploy      DeployService
	logs        LogLister
	stages      StageLister
	deployments repository.DeploymentRepository
	projects    repository.ProjectRepository
	health      repository.HealthCheckRepository
	runtime     RuntimeOps
	artifacts   ArtifactStore
	builds      BuildCleaner
	hub         *ws.Hub
	limiter     RateLimiter
	dbHealth    func(ctx context.Context) error
	metrics     *apiMetrics
	upgrader    websocket.Upgrader
	opts        Options
}

func NewRouter(deps Deps, opts Options) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.DeployRateWindow <= 0 {
		opts.DeployRateWindow = time.Minute
	}

	var limiter RateLimiter
	if deps.Redis != nil {
		limiter = newRedisRateLimiter(deps.Redis)
	} else {
		limiter = newMemoryRateLimiter()
	}

	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		deploy:      deps.Deploy,
		logs:        deps.Logs,
		stages:      deps.Stages,
		deployments: deps.Deployments,
		projects:    deps.Projects,
		health:      deps.Health,
		runtime:     deps.Runtime,
		artifacts:   deps.Artifacts,
		builds:      deps.Builds,
		hub:         deps.Hub,
		limiter:     limiter,
		dbHealth:    deps.DBHealth,
		metrics:     newAPIMetrics(deps.Registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts: opts,
	}
	r.register()
	return r
}

// Handler returns the root handler for the HTTP server.
func (r *Router) Handler() http.Handler { return r.mux }

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /api/projects", r.audit("/api/projects", r.handleCreateProject))
	r.mux.HandleFunc("GET /api/projects", r.audit("/api/projects", r.handleListProjects))
	r.mux.HandleFunc("GET /api/projects/{id}", r.audit("/api/projects/{id}", r.handleGetProject))
	r.mux.HandleFunc("PUT /api/projects/{id}", r.audit("/api/projects/{id}", r.handleUpdateProject))
	r.mux.HandleFunc("GET /api/projects/{id}/deployments", r.audit("/api/projects/{id}/deployments", r.handleListProjectDeployments))

	deployHandler := r.withRateLimit("/api/deployments", r.opts.DeployRateLimit, r.opts.DeployRateWindow, rateLimitKeyIP, r.handleCreateDeployment)
	r.mux.HandleFunc("POST /api/deployments", r.audit("/api/deployments", deployHandler))

	webhookHandler := r.withRateLimit("/api/webhooks", r.opts.DeployRateLimit, r.opts.DeployRateWindow, rateLimitKeyIP, r.handleWebhook)
	r.mux.HandleFunc("POST /api/webhooks/{projectID}", r.audit("/api/webhooks/{projectID}", webhookHandler))

	r.mux.HandleFunc("GET /api/deployments/{id}", r.audit("/api/deployments/{id}", r.handleGetDeployment))
	r.mux.HandleFunc("POST /api/deployments/{id}/cancel", r.audit("/api/deployments/{id}/cancel", r.handleCancelDeployment))
	r.mux.HandleFunc("DELETE /api/deployments/{id}", r.audit("/api/deployments/{id}", r.handleDeleteDeployment))
	r.mux.HandleFunc("GET /api/deployments/{id}/logs", r.audit("/api/deployments/{id}/logs", r.handleListLogs))
	r.mux.HandleFunc("GET /api/deployments/{id}/stages", r.audit("/api/deployments/{id}/stages", r.handleListStages))
	r.mux.HandleFunc("GET /api/deployments/{id}/container/logs", r.audit("/api/deployments/{id}/container/logs", r.handleContainerLogs))
	r.mux.HandleFunc("GET /api/deployments/{id}/health", r.audit("/api/deployments/{id}/health", r.handleLatestHealth))
	r.mux.HandleFunc("POST /api/deployments/{id}/health", r.audit("/api/deployments/{id}/health", r.handleRunHealthCheck))

	r.mux.HandleFunc("GET /api/deployments/{id}/events", r.handleSSE)
	r.mux.HandleFunc("GET /ws/deployments/{id}", r.handleWebSocket)

	if r.opts.ArtifactsDir != "" {
		fs := http.FileServer(http.Dir(r.opts.ArtifactsDir))
		r.mux.Handle("GET /deployments/", http.StripPrefix("/deployments/", fs))
	}
}

// audit wraps a handler with request logging and metrics. The route
// label is the registered pattern, not the raw path, to keep metric
// cardinality bounded.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, req)
		elapsed := time.Since(start)

		r.metrics.observe(route, req.Method, rec.status, elapsed)
		r.logger.Info("http request",
			"method", req.Method,
			"route", route,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_ip", clientIP(req),
		)
	}
}

// statusRecorder captures the response status for the audit wrapper
// while passing streaming interfaces through.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := s.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if r.dbHealth != nil {
		if err := r.dbHealth(req.Context()); err != nil {
			r.logger.Warn("database health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
