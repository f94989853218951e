package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/logging"
)

// Header names the tap sets on every push.
const (
	HeaderConn     = "X-Proxy-Conn"
	HeaderURL      = "X-Proxy-URL"
	HeaderEncoding = "X-Proxy-Encoding"
	HeaderFraming  = "X-Proxy-Framing"
	HeaderEvent    = "X-Proxy-Event"
)

// maxPushBytes bounds a single push body. The tap forwards network reads
// as it sees them, so individual segments stay far below this.
const maxPushBytes = maxBufferBytes

// Server is the feed listener the browser tap pushes captured traffic to.
// It accepts segments on POST /push and reports liveness on GET /healthz.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	manager *Manager
	ready   chan struct{}
}

func NewServer(port int, manager *Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	s := &Server{
		engine:  engine,
		manager: manager,
		ready:   make(chan struct{}),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.POST("/push", s.handlePush)
}

func (s *Server) handlePush(c *gin.Context) {
	connID := c.GetHeader(HeaderConn)
	if connID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + HeaderConn + " header"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(data) > maxPushBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "push body too large"})
		return
	}

	event := c.GetHeader(HeaderEvent)
	if event == "" {
		event = EventData
	}
	s.manager.HandleUpstream(
		connID,
		c.GetHeader(HeaderURL),
		c.GetHeader(HeaderEncoding),
		c.GetHeader(HeaderFraming),
		event,
		data,
	)
	c.Status(http.StatusNoContent)
}

// Ready is closed once the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Start begins listening for tap pushes. It blocks until the listener
// fails or Stop is called.
func (s *Server) Start() error {
	log.Debugf("starting interceptor feed listener on %s", s.server.Addr)

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to start feed listener: %w", err)
	}
	close(s.ready)

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("feed listener failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the feed listener.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping interceptor feed listener...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown feed listener: %w", err)
	}
	return nil
}
