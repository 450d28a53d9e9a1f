// Package http hosts the gateway's gin server and routes.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/modelmux/modelmux/internal/infrastructure/monitoring"
	"github.com/modelmux/modelmux/internal/interfaces/http/handlers"
	"go.uber.org/zap"
)

// Server wraps the HTTP server lifecycle.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config configures the HTTP server.
type Config struct {
	Host       string
	Port       int
	Production bool
}

// Deps are the handler dependencies assembled by the application layer.
type Deps struct {
	Chat    *handlers.ChatHandler
	Models  *handlers.ModelHandler
	System  *handlers.SystemHandler
	Monitor *monitoring.Monitor
}

// NewServer creates the HTTP server with routes registered.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(ginLogger(logger))

	setupRoutes(router, deps)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start launches the listener in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", deps.System.Health)
	router.GET("/metrics", gin.WrapH(deps.Monitor.PrometheusHandler()))

	api := router.Group("/api")
	{
		api.GET("/status", deps.System.Status)
		api.GET("/version", deps.System.Version)

		models := api.Group("/models")
		{
			models.GET("", deps.Models.List)
			// Fixed paths register before the :providerName wildcard.
			models.GET("/categories", deps.Models.Categories)
			models.GET("/providers", deps.Models.Providers)
			models.GET("/classified", deps.Models.Classified)
			models.GET("/classified/criteria", deps.Models.ClassifiedWithCriteria)
			models.GET("/:providerName", deps.Models.ByProvider)
		}

		chat := api.Group("/chat")
		{
			chat.POST("/completions", bodyLimit(maxChatBodyBytes), deps.Chat.Completions)
			chat.POST("/stream", bodyLimit(maxChatBodyBytes), deps.Chat.Stream)
			chat.POST("/stop", deps.Chat.Stop)
			chat.GET("/capabilities", deps.Chat.Capabilities)
		}
	}
}

// maxChatBodyBytes caps chat request bodies at 10 MiB.
const maxChatBodyBytes = 10 << 20

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// requestID echoes the client's X-Request-ID or generates one. Chat handlers
// may override the header once the body-supplied requestId is known.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
