// Package api provides the HTTP server fronting the request pipeline.
// It wires the Gin engine, the OpenAI-compatible routes, API key
// authentication, CORS, the health probe, and the WebSocket log feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/api/handlers"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/api/handlers/openai"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/logging"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/pipeline"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/registry"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
)

// Server represents the main API server. It encapsulates the Gin
// engine, the HTTP listener, and the handlers.
type Server struct {
	engine *gin.Engine
	server *http.Server

	cfg  *config.Config
	st   *state.RuntimeState
	pipe *pipeline.Pipeline
	reg  *registry.Registry
	hub  *logging.LogHub

	// apiKeys is read per request by the auth middleware and swapped
	// whole on config reload.
	apiKeys  atomic.Pointer[[]string]
	upgrader websocket.Upgrader
}

// NewServer creates and initializes a new API server instance. It sets
// up the Gin engine, middleware, and routes.
func NewServer(cfg *config.Config, st *state.RuntimeState, pipe *pipeline.Pipeline, reg *registry.Registry, hub *logging.LogHub) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine: engine,
		cfg:    cfg,
		st:     st,
		pipe:   pipe,
		reg:    reg,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The log feed is served to local dashboards; origin checks
			// would only get in the way behind the dev proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	keys := append([]string(nil), cfg.APIKeys...)
	s.apiKeys.Store(&keys)

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	return s
}

// UpdateConfig applies the hot-reloadable part of a freshly loaded
// config. Today that is the API key list; everything else (port, pool
// layout, timeouts) needs a restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	keys := append([]string(nil), cfg.APIKeys...)
	s.apiKeys.Store(&keys)
	log.Debugf("api: configuration updated, %d api key(s) active", len(keys))
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandler(s.pipe, s.reg)

	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/cancel/:req_id", openaiHandlers.CancelRequest)
		v1.GET("/queue", openaiHandlers.Queue)
	}

	// The model catalog, health probe and log feed stay open; clients
	// and dashboards hit them before they have credentials.
	s.engine.GET("/v1/models", openaiHandlers.OpenAIModels)
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/ws/logs", s.logStreamHandler)
}

// healthHandler reports liveness plus a coarse service phase so load
// balancers and dashboards can tell "busy" from "recovering".
func (s *Server) healthHandler(c *gin.Context) {
	snap := s.pipe.Snapshot()
	status := "ok"
	switch {
	case s.st.IsShuttingDown():
		status = "shutting_down"
	case s.st.QuotaExceeded() || !s.st.RotationLock().IsSet():
		status = "rotating"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"model":   s.st.CurrentModel(),
		"profile": s.st.CurrentProfile(),
		"queue":   snap.QueueLength,
		"worker":  snap.WorkerState,
	})
}

// logStreamHandler upgrades the connection and feeds hub broadcasts to
// the client until it hangs up.
func (s *Server) logStreamHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("log feed: websocket upgrade failed: %v", err)
		return
	}

	// The request context dies when this handler returns, so the
	// subscription runs on the background context and the read loop
	// is what notices the hangup.
	id := uuid.NewString()
	s.hub.Subscribe(context.Background(), id, conn)

	go func() {
		defer s.hub.Unsubscribe(id)
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				return
			}
		}
	}()
}

// Start begins listening for and serving API requests.
func (s *Server) Start() error {
	log.Infof("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// authMiddleware authenticates requests against the configured API
// keys. An empty key list leaves the endpoints open, which matches
// local-only deployments.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := *s.apiKeys.Load()
		if len(keys) == 0 {
			c.Next()
			return
		}

		var apiKey string
		authHeader := c.GetHeader("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			apiKey = parts[1]
		} else if authHeader != "" {
			apiKey = authHeader
		} else {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey == "" {
			unauthorized(c, "missing API key")
			return
		}
		for i := range keys {
			if keys[i] == apiKey {
				c.Set("apiKey", apiKey)
				c.Next()
				return
			}
		}
		unauthorized(c, "invalid API key")
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorResponse{
		Error: handlers.ErrorDetail{Message: msg, Type: "invalid_request_error"},
	})
}

// corsMiddleware handles Cross-Origin Resource Sharing for browser
// dashboards talking to the proxy directly.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
