// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/booking"
	"github.com/hearthhq/hearth/internal/config"
	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/health"
	"github.com/hearthhq/hearth/internal/idgen"
	"github.com/hearthhq/hearth/internal/leads"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/listings"
	"github.com/hearthhq/hearth/internal/logging"
	"github.com/hearthhq/hearth/internal/metrics"
	"github.com/hearthhq/hearth/internal/notify"
	"github.com/hearthhq/hearth/internal/ratelimit"
	"github.com/hearthhq/hearth/internal/realtime"
	"github.com/hearthhq/hearth/internal/reconciler"
	"github.com/hearthhq/hearth/internal/reconciliation"
	"github.com/hearthhq/hearth/internal/security"
	"github.com/hearthhq/hearth/internal/traces"
	"github.com/hearthhq/hearth/internal/txn"
	"github.com/hearthhq/hearth/internal/validation"
	"github.com/hearthhq/hearth/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil without REDIS_URL
	runner         txn.Runner
	tokens         *auth.TokenService
	gateway        gateway.Gateway
	ledger         *ledger.Ledger
	escrowService  *escrow.Service
	listingService *listings.Service
	bookingService *booking.Service
	leadService    *leads.Service
	reconciler     *reconciler.Reconciler
	sweeper        *reconciliation.Runner
	bookingTimer   *booking.Timer
	sweepTimer     *reconciliation.Timer
	realtimeHub    *realtime.Hub
	revalidateHook *notify.HTTPHook
	publisher      *notify.AMQPPublisher
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets the payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	var (
		ledgerStore  ledger.Store
		holdStore    escrow.Store
		listingStore listings.Store
		bookingStore booking.Store
		leadStore    leads.Store
		orphans      reconciliation.OrphanFinder
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		s.runner = txn.NewSQLRunner(db)
		ledgerStore = ledger.NewPostgresStore(db)
		holdStore = escrow.NewPostgresStore(db)
		listingStore = listings.NewPostgresStore(db)
		bookingStore = booking.NewPostgresStore(db)
		leadStore = leads.NewPostgresStore(db)
		orphans = reconciliation.NewPostgresOrphanFinder(db)
		s.health.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.runner = txn.NewMemoryRunner()
		ledgerStore = ledger.NewMemoryStore()
		holdStore = escrow.NewMemoryStore()
		listingStore = listings.NewMemoryStore()
		memBookings := booking.NewMemoryStore()
		bookingStore = memBookings
		leadStore = leads.NewMemoryStore()
		orphans = reconciliation.NewStoreOrphanFinder(memBookings, holdStore)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Balance cache in front of the ledger
	if cfg.RedisURL != "" {
		client, err := ledger.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.logger.Warn("redis unavailable, balance cache disabled", "error", err)
		} else {
			s.redis = client
			ledgerStore = ledger.NewCachedStore(ledgerStore, ledger.NewRedisBalanceCache(client, time.Minute), s.logger)
			s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}))
			s.logger.Info("balance cache enabled")
		}
	}
	s.ledger = ledger.New(ledgerStore)

	// Payment provider
	if s.gateway == nil {
		switch cfg.PaymentProvider {
		case "stripe":
			s.gateway = gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.WebhookSecret)
		default:
			s.gateway = gateway.NewFakeGateway(cfg.WebhookSecret)
		}
	}
	gw := gateway.NewResilient(s.gateway, cfg.GatewayTimeout, nil)
	s.logger.Info("payment gateway configured", "provider", s.gateway.Name(), "timeout", cfg.GatewayTimeout)

	// Revalidate notifications fan out to WebSocket clients, the frontend
	// hook and the message queue.
	s.realtimeHub = realtime.NewHub(s.logger, realtime.Options{AllowedOrigins: cfg.CORSOrigins})
	notifier := notify.Multi{s.realtimeHub}
	if cfg.RevalidateURL != "" {
		hookCheck := security.HookURLValidator{RequireTLS: cfg.IsProduction(), AllowPrivate: !cfg.IsProduction()}
		if err := hookCheck.Validate(ctx, cfg.RevalidateURL); err != nil {
			return nil, fmt.Errorf("invalid REVALIDATE_URL: %w", err)
		}
		s.revalidateHook = notify.NewHTTPHook(cfg.RevalidateURL, cfg.RevalidateSecret, s.logger)
		notifier = append(notifier, s.revalidateHook)
		s.logger.Info("revalidate hook enabled", "url", cfg.RevalidateURL)
	}
	if cfg.AMQPURL != "" {
		s.publisher = notify.NewAMQPPublisher(cfg.AMQPURL, notify.DefaultQueue, s.logger)
		notifier = append(notifier, s.publisher)
		s.logger.Info("revalidate queue enabled", "queue", notify.DefaultQueue)
	}

	// Domain services
	s.escrowService = escrow.NewService(holdStore, s.ledger, gw, s.runner, s.logger).WithNotifier(notifier)
	s.leadService = leads.NewService(leadStore, s.ledger, s.escrowService, s.runner, s.logger)
	s.escrowService.WithCaptureListener(s.leadService)
	s.listingService = listings.NewService(listingStore)
	s.bookingService = booking.NewService(bookingStore, s.listingService, s.escrowService, s.logger).WithNotifier(notifier)
	s.reconciler = reconciler.New(gw, s.escrowService, s.runner, s.logger)

	// Background work
	s.bookingTimer = booking.NewTimer(s.bookingService, cfg.CompletionInterval, s.logger)
	s.sweeper = reconciliation.NewRunner(orphans, s.escrowService, s.ledger, s.logger).
		WithWindows(cfg.OrphanGracePeriod, cfg.HoldExpiry)
	s.sweepTimer = reconciliation.NewTimer(s.sweeper, cfg.SweepInterval, s.logger)

	// Auth
	secret := cfg.JWTSecret
	if secret == "" {
		secret = idgen.Hex(32)
		s.logger.Warn("JWT_SECRET not set, using an ephemeral signing secret")
	}
	s.tokens = auth.NewTokenService(secret, 24*time.Hour)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// CORS (the frontend lives on its own origin)
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
		rlCfg.BurstSize = max(rlCfg.BurstSize, s.cfg.RateLimitRPM/6)
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Server spans
	s.router.Use(traces.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Bearer token identity
	s.router.Use(auth.Middleware(s.tokens))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
			logger.Debug("request completed",
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
	s.router.GET("/api", s.infoHandler)

	// WebSocket for booking revalidation
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	listingHandler := listings.NewHandler(s.listingService, s.cfg.DefaultCurrency, s.logger)
	bookingHandler := booking.NewHandler(s.bookingService, s.logger)
	escrowHandler := escrow.NewHandler(s.escrowService, s.cfg.DefaultCurrency, s.logger)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	leadHandler := leads.NewHandler(s.leadService, s.cfg.DefaultCurrency, s.logger)
	webhookHandler := reconciler.NewHandler(s.reconciler, s.logger)
	sweepHandler := reconciliation.NewHandler(s.sweeper, s.logger)

	// The API is served unversioned and under /v1.
	for _, api := range []*gin.RouterGroup{s.router.Group(""), s.router.Group("/v1")} {
		// Provider webhooks authenticate by signature
		webhookHandler.RegisterRoutes(api)

		// Public reads
		listingHandler.RegisterRoutes(api)
		bookingHandler.RegisterRoutes(api)

		if s.cfg.IsDevelopment() {
			auth.NewDevHandler(s.tokens).RegisterRoutes(api)
		}

		protected := api.Group("", auth.RequireAuth())
		listingHandler.RegisterProtectedRoutes(protected)
		bookingHandler.RegisterProtectedRoutes(protected)
		escrowHandler.RegisterProtectedRoutes(protected)
		ledgerHandler.RegisterProtectedRoutes(protected)
		leadHandler.RegisterProtectedRoutes(protected)

		admin := api.Group("", auth.RequireAdmin(s.cfg.AdminSecret))
		bookingHandler.RegisterAdminRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
		leadHandler.RegisterAdminRoutes(admin)
		sweepHandler.RegisterAdminRoutes(admin)
		s.realtimeHub.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the response for health checks
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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
		"name":            "Hearth",
		"description":     "Booking and escrow payments",
		"version":         "0.1.0",
		"paymentProvider": s.gateway.Name(),
		"currency":        s.cfg.DefaultCurrency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

type backgroundTimer interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

func (s *Server) timers() map[string]backgroundTimer {
	return map[string]backgroundTimer{
		"booking_completion": s.bookingTimer,
		"reconciliation":     s.sweepTimer,
	}
}

// startTimers launches every background timer and registers its health check.
func (s *Server) startTimers(ctx context.Context) {
	for name, t := range s.timers() {
		s.health.Register(name, func(context.Context) health.Status {
			return health.Status{Name: name, Healthy: t.Running()}
		})
		go func() {
			metrics.BackgroundTimersRunning.WithLabelValues(name).Set(1)
			defer metrics.BackgroundTimersRunning.WithLabelValues(name).Set(0)
			t.Start(ctx)
		}()
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"provider", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start completion and reconciliation timers
	s.startTimers(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	for name, t := range s.timers() {
		t.Stop()
		s.logger.Info("timer stopped", "timer", name)
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain notifications
	if s.revalidateHook != nil {
		s.revalidateHook.Wait()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("queue publisher close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Tokens returns the bearer token service for testing
func (s *Server) Tokens() *auth.TokenService {
	return s.tokens
}
