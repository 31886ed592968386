package api

import (
	"context"
	"errors"
	"llm-trading-fleet/internal/credentials"
	"llm-trading-fleet/internal/models"
	"llm-trading-fleet/internal/persistence"
	"llm-trading-fleet/internal/reporter"
	"llm-trading-fleet/internal/statemanager"
	"llm-trading-fleet/internal/supervisor"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server 集群控制面 HTTP API
type Server struct {
	router     *gin.Engine
	supervisor *supervisor.Supervisor
	pool       *credentials.Pool
	repo       persistence.StateRepository
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(sup *supervisor.Supervisor, pool *credentials.Pool, repo persistence.StateRepository, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router:     router,
		supervisor: sup,
		pool:       pool,
		repo:       repo,
		logger:     logger,
	}
	s.setupRoutes()
	return s
}

// requestLogger 记录每个请求
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/bots", s.handleListBots)
		api.PUT("/bots/:id", s.handlePutBot)
		api.DELETE("/bots/:id", s.handleDeleteBot)
		api.POST("/bots/:id/start", s.handleStart)
		api.POST("/bots/:id/stop", s.handleStop)
		api.GET("/bots/:id/status", s.handleStatus)
		api.GET("/bots/:id/performance", s.handlePerformance)
		api.GET("/credentials", s.handleCredentials)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListBots(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Statuses())
}

func (s *Server) handlePutBot(c *gin.Context) {
	var cfg models.BotConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if cfg.ID != "" && cfg.ID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bot id in body does not match path"})
		return
	}
	cfg.ID = id
	if cfg.Credential != "" && !contains(s.pool.Credentials(), cfg.Credential) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown credential " + cfg.Credential})
		return
	}

	stored, err := s.supervisor.PutBot(cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("bot configuration stored", zap.String("bot_id", id))
	c.JSON(http.StatusOK, stored)
}

func (s *Server) handleDeleteBot(c *gin.Context) {
	id := c.Param("id")
	if err := s.supervisor.DeleteBot(id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": id, "deleted": true})
}

func (s *Server) handleStart(c *gin.Context) {
	st, err := s.supervisor.StartByID(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStop(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.supervisor.Registry().Get(id); !ok && !s.supervisor.IsRunning(id) {
		s.writeError(c, supervisor.ErrBotNotFound)
		return
	}
	st, err := s.supervisor.Stop(id)
	if err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		s.writeError(c, err)
		return
	}
	// 重复停止不是错误
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.supervisor.Registry().Get(id); !ok && !s.supervisor.IsRunning(id) {
		s.writeError(c, supervisor.ErrBotNotFound)
		return
	}
	c.JSON(http.StatusOK, s.supervisor.Status(id))
}

func (s *Server) handlePerformance(c *gin.Context) {
	id := c.Param("id")
	cfg, ok := s.supervisor.Registry().Get(id)
	if !ok {
		s.writeError(c, supervisor.ErrBotNotFound)
		return
	}

	// 独立会话只读文档, 不影响正在运行的机器人
	state := statemanager.NewStateManager(id, s.repo, s.logger.With(zap.String("bot_id", id)))
	if err := state.Load(cfg.InitialBalance); err != nil {
		s.logger.Error("failed to load bot documents", zap.String("bot_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reporter.Calculate(state.GetStateSnapshot(), state.Trades(), state.Conversations()))
}

func (s *Server) handleCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.UsageMap())
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrBotNotFound), errors.Is(err, credentials.ErrUnknownCredential):
		status = http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, credentials.ErrAllocationExhausted):
		status = http.StatusConflict
	case errors.Is(err, credentials.ErrNoneAvailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
