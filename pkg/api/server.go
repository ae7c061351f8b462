// Package api exposes the control plane over HTTP: the REST surface,
// the websocket event stream and the health/readiness/metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionmesh/sessionmesh/pkg/agents"
	"github.com/sessionmesh/sessionmesh/pkg/auth"
	"github.com/sessionmesh/sessionmesh/pkg/config"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
	"github.com/sessionmesh/sessionmesh/pkg/services"
)

// SessionService is the slice of the orchestrator the API drives
type SessionService interface {
	CreateSession(ctx context.Context, req services.CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, filter repository.SessionFilter, sorts []repository.Sort, page repository.Pagination) (*repository.Page[*models.Session], error)
	SearchSessions(ctx context.Context, query string, page repository.Pagination) (*repository.Page[*models.Session], error)
	StartSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	AddCheckpoint(ctx context.Context, id uuid.UUID, data json.RawMessage, tokensUsed int64) (*models.Checkpoint, error)
	CompleteSession(ctx context.Context, id uuid.UUID, req services.CompleteRequest) (*models.Session, error)
	FailSession(ctx context.Context, id uuid.UUID, cause string, retryable, timeout bool) (*models.Session, error)
	RetrySession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	CancelSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	ListCheckpoints(ctx context.Context, id uuid.UUID, sinceSequence int) ([]models.Checkpoint, error)
	AssignAgent(ctx context.Context, sessionID, taskID uuid.UUID) (*agents.RouteResult, error)
}

// AgentDirectory is the registry surface the API drives
type AgentDirectory interface {
	Register(ctx context.Context, agent *models.Agent) error
	Deregister(ctx context.Context, id uuid.UUID, version int) error
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	List(ctx context.Context, filter repository.AgentFilter) ([]*models.Agent, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
}

// AgentRouter scores and picks agents
type AgentRouter interface {
	Route(ctx context.Context, req agents.RouteRequest) (*agents.RouteResult, error)
}

// TaskService is the task-graph surface the API drives
type TaskService interface {
	CreateTask(ctx context.Context, req services.CreateTaskRequest) (*models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, req services.UpdateTaskStatusRequest) (*models.Task, error)
	DecomposeTask(ctx context.Context, id uuid.UUID, req services.DecomposeRequest) ([]*models.Task, error)
	ListDependencies(ctx context.Context, id uuid.UUID) ([]models.TaskDependency, error)
}

// Pinger checks a backing store's reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front of the control plane
type Server struct {
	cfg      config.APIConfig
	sessions SessionService
	agents   AgentDirectory
	router   AgentRouter
	tasks    TaskService
	bus      *events.Bus
	db       Pinger
	coord    Pinger
	logger   observability.Logger
	metrics  observability.MetricsClient
	registry *observability.PrometheusMetricsClient

	engine *gin.Engine
	http   *http.Server
}

// ServerConfig collects the server's collaborators
type ServerConfig struct {
	API      config.APIConfig
	Sessions SessionService
	Agents   AgentDirectory
	Router   AgentRouter
	Tasks    TaskService
	Bus      *events.Bus
	DB       Pinger
	Coord    Pinger
	Logger   observability.Logger
	Metrics  observability.MetricsClient
	// Registry, when set, serves /metrics from its prometheus registry
	Registry *observability.PrometheusMetricsClient
}

// NewServer builds the HTTP server with all routes and middleware wired
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:      cfg.API,
		sessions: cfg.Sessions,
		agents:   cfg.Agents,
		router:   cfg.Router,
		tasks:    cfg.Tasks,
		bus:      cfg.Bus,
		db:       cfg.DB,
		coord:    cfg.Coord,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(s.logger))
	engine.Use(MetricsMiddleware(s.metrics))

	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	if s.registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry.Registry(), promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api/v1")
	api.Use(RateLimiter(s.cfg.RateLimitRPS, s.cfg.RateBurst))
	api.Use(auth.TenantMiddleware())
	api.Use(auth.JWTMiddleware(s.cfg.JWTSecret))

	sessions := api.Group("/sessions")
	{
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id", s.handleGetSession)
		sessions.POST("/:id/start", s.handleStartSession)
		sessions.POST("/:id/complete", s.handleCompleteSession)
		sessions.POST("/:id/fail", s.handleFailSession)
		sessions.POST("/:id/cancel", s.handleCancelSession)
		sessions.POST("/:id/retry", s.handleRetrySession)
		sessions.POST("/:id/checkpoints", s.handleAddCheckpoint)
		sessions.GET("/:id/checkpoints", s.handleListCheckpoints)
		sessions.POST("/:id/assign", s.handleAssignAgent)
		sessions.DELETE("/:id", s.handleDeleteSession)
	}

	agentRoutes := api.Group("/agents")
	{
		agentRoutes.POST("", s.handleRegisterAgent)
		agentRoutes.GET("", s.handleListAgents)
		agentRoutes.GET("/:id", s.handleGetAgent)
		agentRoutes.DELETE("/:id", s.handleDeregisterAgent)
		agentRoutes.POST("/route", s.handleRouteAgent)
		agentRoutes.POST("/external/register", s.handleRegisterExternalAgent)
		agentRoutes.POST("/external/:id/heartbeat", s.handleAgentHeartbeat)
	}

	taskRoutes := api.Group("/tasks")
	{
		taskRoutes.POST("", s.handleCreateTask)
		taskRoutes.GET("/:id", s.handleGetTask)
		taskRoutes.POST("/:id/status", s.handleUpdateTaskStatus)
		taskRoutes.POST("/:id/decompose", s.handleDecomposeTask)
		taskRoutes.GET("/:id/dependencies", s.handleListDependencies)
	}

	ws := engine.Group("/ws")
	ws.Use(auth.TenantMiddleware())
	{
		ws.GET("/sessions", s.handleSessionStream)
		ws.GET("/sessions/:id", s.handleSingleSessionStream)
	}

	return engine
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains with a grace period
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info("API server listening", map[string]interface{}{
		"address": s.cfg.ListenAddress,
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
	}
	if s.coord != nil {
		if err := s.coord.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "coordination": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
