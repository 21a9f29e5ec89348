// Package server wires the bridge together: storage, the reconciliation
// engine, upstream clients, and the HTTP surface.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/payzcore/payzbridge/internal/circuitbreaker"
	"github.com/payzcore/payzbridge/internal/commerce"
	"github.com/payzcore/payzbridge/internal/config"
	"github.com/payzcore/payzbridge/internal/health"
	"github.com/payzcore/payzbridge/internal/logging"
	"github.com/payzcore/payzbridge/internal/metrics"
	"github.com/payzcore/payzbridge/internal/monitor"
	"github.com/payzcore/payzbridge/internal/notify"
	"github.com/payzcore/payzbridge/internal/payment"
	"github.com/payzcore/payzbridge/internal/ratelimit"
	"github.com/payzcore/payzbridge/internal/realtime"
	"github.com/payzcore/payzbridge/internal/security"
	"github.com/payzcore/payzbridge/internal/signature"
	"github.com/payzcore/payzbridge/internal/traces"
	"github.com/payzcore/payzbridge/internal/validation"
)

// Circuit breaker settings for the PayzCore poll path.
const (
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
)

// Server is the main application server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store   payment.Store
	engine  *payment.Engine
	poller  *payment.Poller
	handler *payment.Handler

	hub        *realtime.Hub
	dispatcher *notify.Dispatcher
	notifyMgmt *notify.Handler

	breaker     *circuitbreaker.Breaker
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	db     *sql.DB
	router *gin.Engine

	httpSrv        *http.Server
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage selection: Postgres when DATABASE_URL is set, Redis when
	// REDIS_URL is set, in-memory otherwise.
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db

		pgStore := payment.NewPostgresStore(db, cfg.RecordRetention)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("payment store migration failed", "error", err)
		}
		s.store = pgStore
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))

	case cfg.RedisURL != "":
		s.store = payment.NewRedisStore(cfg.RedisURL, cfg.RecordRetention)
		s.logger.Info("using redis storage", "addr", cfg.RedisURL)

	default:
		s.store = payment.NewMemoryStore(cfg.RecordRetention)
		s.logger.Info("using in-memory storage (records lost on restart)")
	}

	// Upstream clients.
	payzcore := &monitorAdapter{client: monitor.NewClient(cfg.MonitoringBaseURL, cfg.MonitoringAPIKey)}
	shop := commerce.NewClient(cfg.CommerceBaseURL, cfg.CommerceToken)

	// Realtime hub and outbound notifications both observe engine
	// transitions.
	s.hub = realtime.NewHub(s.logger)
	notifyStore := notify.NewMemoryStore()
	s.dispatcher = notify.NewDispatcher(notifyStore, s.logger)
	s.notifyMgmt = notify.NewHandler(notifyStore)

	s.engine = payment.NewEngine(s.store, shop, s.logger,
		payment.WithListener(s.hub),
		payment.WithListener(s.dispatcher),
	)

	s.breaker = circuitbreaker.New("payzcore", breakerThreshold, breakerOpenDuration)
	s.poller = payment.NewPoller(payzcore, s.engine, s.store, s.breaker, s.logger)

	verifier := signature.NewVerifier(cfg.WebhookSecret, signature.WithReplayWindow(cfg.ReplayWindow))
	s.handler = payment.NewHandler(s.store, s.engine, s.poller, payzcore, payzcore, verifier, cfg.PaymentTTL)

	// Health checks.
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("store", health.PingChecker("store", s.store.Ping))
	s.healthReg.Register("payzcore_breaker", func(ctx context.Context) health.Status {
		state := s.breaker.State()
		return health.Status{
			Name:    "payzcore_breaker",
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  state.String(),
		}
	})

	// Tracing (no-op when no OTLP endpoint is configured).
	shutdownTraces, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
		shutdownTraces = func(context.Context) error { return nil }
	}
	s.shutdownTraces = shutdownTraces

	// HTTP router.
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: the live payment page polls from the storefront origin
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time status transitions (live payment pages)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	s.handler.RegisterRoutes(v1)
	s.notifyMgmt.RegisterRoutes(v1)

	// Inbound push notifications from PayzCore. Mounted outside /v1: the
	// webhook authenticates with its HMAC signature, not like an API client.
	webhooks := s.router.Group("/webhooks")
	s.handler.RegisterWebhookRoutes(webhooks)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "PayzBridge",
		"description": "Reconciliation bridge between PayzCore crypto payments and commerce orders",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("traces shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
