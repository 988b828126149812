// Package server is the agent's HTTP surface: the dashboard read paths
// (snapshot, SSE, WebSocket), config editing with optimistic concurrency,
// control operations, and the operational endpoints (health, metrics).
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gridagent/internal/config"
	"github.com/mbd888/gridagent/internal/health"
	"github.com/mbd888/gridagent/internal/logging"
	"github.com/mbd888/gridagent/internal/metrics"
	"github.com/mbd888/gridagent/internal/ratelimit"
	"github.com/mbd888/gridagent/internal/security"
	"github.com/mbd888/gridagent/internal/status"
)

// SandboxAPI is the sandbox-only slice of the game client. The sandbox
// routes are registered only when this is non-nil.
type SandboxAPI interface {
	SandboxCommand(ctx context.Context, command string, body any) error
}

// Controls are the callbacks behind POST /api/control. A nil field means
// the operation is not wired and returns 501.
type Controls struct {
	Restart         func(context.Context) error
	ClearOrderBoard func(context.Context) error
	ClearGearState  func(context.Context) error
}

// Server serves the dashboard and operational endpoints.
type Server struct {
	bus      *status.Bus
	hub      *status.Hub
	checks   *health.Registry
	controls Controls
	ops      *opLog
	sandbox  SandboxAPI
	board    OrderBoard
	onConfig func(*config.Config)

	configPath string
	cfgMu      sync.Mutex
	raw        []byte
	hash       string
	updatedAt  time.Time

	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	port        string
	corsOrigins []string
	limiter     *ratelimit.Limiter

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHub attaches the WebSocket hub behind GET /api/ui/ws.
func WithHub(h *status.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithHealth attaches the health check registry behind GET /healthz.
func WithHealth(r *health.Registry) Option {
	return func(s *Server) { s.checks = r }
}

// WithControls wires the control operation callbacks.
func WithControls(c Controls) Option {
	return func(s *Server) { s.controls = c }
}

// WithSandbox registers the sandbox routes against the given upstream.
func WithSandbox(api SandboxAPI) Option {
	return func(s *Server) { s.sandbox = api }
}

// WithConfigApplied is called after a successful POST /api/config with
// the parsed new config, so the caller can propagate character settings.
func WithConfigApplied(fn func(*config.Config)) Option {
	return func(s *Server) { s.onConfig = fn }
}

// New builds the server. raw is the config file's current content; its
// hash becomes the initial ifMatchHash.
func New(cfg *config.Config, configPath string, raw []byte, bus *status.Bus, opts ...Option) *Server {
	s := &Server{
		bus:        bus,
		ops:        newOpLog(opHistory),
		configPath: configPath,
		raw:        raw,
		hash:       config.Hash(raw),
		updatedAt:  time.Now().UTC(),
		logger:      slog.Default(),
		port:        cfg.Server.Port,
		corsOrigins: cfg.Server.CORSOrigins,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.healthy.Store(true)
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered",
			"error", fmt.Sprintf("%v", recovered),
			"path", c.Request.URL.Path,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An internal error occurred",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.corsOrigins))
	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.limiter.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// The SSE and WebSocket streams would log once per connection
		// lifetime anyway; skip the high-churn dashboard polls at info.
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("request failed", attrs...)
		case c.Writer.Status() >= 400:
			logger.Warn("request rejected", attrs...)
		default:
			logger.Debug("request served", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/readyz", s.readyzHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api")
	{
		ui := api.Group("/ui")
		ui.GET("/snapshot", s.snapshotHandler)
		ui.GET("/events", s.eventsHandler)
		if s.hub != nil {
			ui.GET("/ws", func(c *gin.Context) {
				s.hub.HandleWebSocket(c.Writer, c.Request)
			})
		}

		api.GET("/config", s.getConfigHandler)
		api.POST("/config", s.postConfigHandler)

		if s.board != nil {
			api.GET("/orders", s.listOrdersHandler)
			api.GET("/orders/:id", s.getOrderHandler)
			api.POST("/orders", s.createOrderHandler)
			api.POST("/orders/:id/block", s.blockOrderHandler)
		}

		api.POST("/control/:op", s.controlHandler)
		api.GET("/control/status", s.controlStatusHandler)

		if s.sandbox != nil {
			api.POST("/sandbox/:command", s.sandboxHandler)
		}
	}
}

// -----------------------------------------------------------------------------
// Dashboard read paths
// -----------------------------------------------------------------------------

func (s *Server) snapshotHandler(c *gin.Context) {
	current := s.bus.Current()
	if current == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "no_snapshot",
			"message": "No snapshot collected yet",
		})
		return
	}
	c.JSON(http.StatusOK, current)
}

// heartbeatInterval keeps idle SSE connections from being reaped by
// intermediaries.
const heartbeatInterval = 15 * time.Second

func (s *Server) eventsHandler(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	feed, cancel := s.bus.Subscribe()
	defer cancel()

	if current := s.bus.Current(); current != nil {
		writeSSE(c.Writer, current)
		c.Writer.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-feed:
			writeSSE(c.Writer, snapshot)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, s *status.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthzHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	if s.checks == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	httpStatus := http.StatusOK
	overall := "healthy"
	if !healthy {
		httpStatus = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(httpStatus, gin.H{
		"status": overall,
		"checks": statuses,
	})
}

func (s *Server) readyzHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: the SSE and WebSocket streams stay open for
		// the life of the dashboard tab.
		IdleTimeout: 60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	s.limiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
