// Package server exposes the foreman HTTP API. Handlers stay thin: decode,
// call the engine, map domain errors onto status codes. All policy lives in
// the engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/engine"
	"github.com/harrison/foreman/internal/logger"
)

// Version is the build version, overridden at link time.
var Version = "dev"

// Server wires the engine into an HTTP API.
type Server struct {
	eng     *engine.Engine
	cfg     *config.Config
	log     logger.Logger
	router  *gin.Engine
	started time.Time
}

// New builds the server with its full middleware chain and route table.
func New(eng *engine.Engine, cfg *config.Config, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		eng:     eng,
		cfg:     cfg,
		log:     log,
		started: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimit(newLimiter(cfg), log))

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api/v1")
	api.Use(auth(cfg.APIKey))
	s.routes(api)

	s.router = r
	return s
}

// Handler returns the router, mainly for tests driving the API through
// httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(api *gin.RouterGroup) {
	api.GET("/dashboard", s.handleDashboard)

	api.POST("/projects", s.handleCreateProject)
	api.GET("/projects", s.handleListProjects)
	api.GET("/projects/:id", s.handleGetProject)
	api.DELETE("/projects/:id", s.handleDeleteProject)
	api.POST("/projects/:id/restore", s.handleRestoreProject)
	api.GET("/projects/:id/progress", s.handleProjectProgress)
	api.POST("/projects/:id/breakdown", s.handleBreakdown)
	api.POST("/projects/:id/tasks", s.handleCreateTask)

	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/available", s.handleAvailableTasks)
	api.GET("/tasks/:id", s.handleGetTask)
	api.GET("/tasks/:id/logs", s.handleTaskLogs)
	api.PATCH("/tasks/:id", s.handleUpdateTask)
	api.PUT("/tasks/:id/dependencies", s.handleSetDependencies)
	api.DELETE("/tasks/:id", s.handleDeleteTask)
	api.POST("/tasks/:id/restore", s.handleRestoreTask)
	api.POST("/tasks/:id/claim", s.handleClaim)
	api.POST("/tasks/:id/start", s.handleStart)
	api.POST("/tasks/:id/submit", s.handleSubmit)
	api.POST("/tasks/:id/review", s.handleReview)
	api.POST("/tasks/:id/release", s.handleRelease)
	api.POST("/tasks/:id/retry", s.handleRetry)

	api.POST("/agents", s.handleRegisterAgent)
	api.GET("/agents", s.handleListAgents)
	api.GET("/agents/:name", s.handleGetAgent)
	api.DELETE("/agents/:name", s.handleDeleteAgent)
	api.POST("/agents/:name/heartbeat", s.handleHeartbeat)
	api.GET("/agents/:name/tasks", s.handleAgentTasks)
	api.GET("/agents/:name/channels", s.handleAgentChannels)

	api.POST("/channels", s.handleRegisterChannel)
	api.DELETE("/channels", s.handleUnregisterChannel)
	api.GET("/channels/:channel_id/agents", s.handleChannelAgents)
}

// Run serves the API until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-API-Key")
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (s *Server) handleHealth(c *gin.Context) {
	uptime := time.Since(s.started).Round(time.Second).String()
	if _, err := s.eng.Store().Pool().Get(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "degraded",
			"version": Version,
			"uptime":  uptime,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version, "uptime": uptime})
}
