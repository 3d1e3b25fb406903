package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/drovergrid/drover/pkg/auth"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/locks"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/metrics"
	"github.com/drovergrid/drover/pkg/progress"
	"github.com/drovergrid/drover/pkg/registry"
	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/tasks"
)

// defaultRequestTimeout bounds request handling when the config does
// not say otherwise.
const defaultRequestTimeout = 15 * time.Second

// Config carries the server's dependencies and tunables.
type Config struct {
	ListenAddr     string
	RequestTimeout time.Duration

	Registry *registry.Registry
	Tasks    *tasks.Manager
	Locks    *locks.Manager
	Progress *progress.Tracker
	Broker   *events.Broker
	Store    storage.Store
	Tokens   *auth.TokenManager
}

// Server is the coordinator's HTTP surface: the REST API, the health
// and metrics endpoints, and the websocket event stream.
type Server struct {
	registry *registry.Registry
	tasks    *tasks.Manager
	locks    *locks.Manager
	progress *progress.Tracker
	broker   *events.Broker
	store    storage.Store
	tokens   *auth.TokenManager

	engine *gin.Engine
	http   *http.Server
	logger zerolog.Logger
}

// New assembles the router and middleware chain. Nothing listens until
// Start.
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	s := &Server{
		registry: cfg.Registry,
		tasks:    cfg.Tasks,
		locks:    cfg.Locks,
		progress: cfg.Progress,
		broker:   cfg.Broker,
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		logger:   log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		correlationMiddleware(),
		requestLogger(s.logger),
		metricsMiddleware(),
	)
	s.engine = engine
	s.routes(cfg.RequestTimeout)

	// No WriteTimeout: it would sever long-lived event streams. The
	// per-request deadline comes from the timeout middleware instead.
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes(requestTimeout time.Duration) {
	timeout := timeoutMiddleware(requestTimeout)

	// public surface
	s.engine.POST("/api/auth/register", timeout, s.handleRegister)
	s.engine.POST("/api/auth/login", timeout, s.handleLogin)
	s.engine.GET("/api/health", timeout, s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	// authenticated surface
	api := s.engine.Group("/api", timeout, s.authMiddleware())
	{
		api.POST("/nodes/heartbeat", s.handleHeartbeat)
		api.GET("/nodes", s.handleListNodes)

		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.PUT("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)
		api.POST("/tasks/:id/assign", s.handleAssignTask)
		api.POST("/tasks/:id/checkcomplete", s.handleCheckComplete)

		api.GET("/tasks/:id/folders", s.handleListFolders)
		api.POST("/tasks/:id/folders", s.handleCreateFolder)
		api.PUT("/folders/:id", s.handleUpdateFolder)

		api.POST("/filelocks/acquire", s.handleAcquireLock)
		api.POST("/filelocks/release", s.handleReleaseLock)
		api.POST("/filelocks/reset", requireAdmin(), s.handleResetLocks)
		api.GET("/filelocks", s.handleListLocks)
	}

	// the stream authenticates but outlives any request deadline
	s.engine.GET("/events", s.authMiddleware(), s.handleEvents)
}

// Handler exposes the router for tests that mount the server on
// httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealth reports whether the store answers. Degraded storage
// flips the fleet's health checks before workers pile more work on.
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "Unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Healthy"})
}
