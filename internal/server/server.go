// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/coinsub/coinsub/internal/circuitbreaker"
	"github.com/coinsub/coinsub/internal/config"
	"github.com/coinsub/coinsub/internal/dispute"
	"github.com/coinsub/coinsub/internal/escrow"
	"github.com/coinsub/coinsub/internal/health"
	"github.com/coinsub/coinsub/internal/listing"
	"github.com/coinsub/coinsub/internal/logging"
	"github.com/coinsub/coinsub/internal/metrics"
	"github.com/coinsub/coinsub/internal/order"
	"github.com/coinsub/coinsub/internal/ratelimit"
	"github.com/coinsub/coinsub/internal/rates"
	"github.com/coinsub/coinsub/internal/realtime"
	"github.com/coinsub/coinsub/internal/security"
	"github.com/coinsub/coinsub/internal/subscription"
	"github.com/coinsub/coinsub/internal/validation"
	"github.com/coinsub/coinsub/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	listings      *listing.Service
	orders        *order.Service
	subscriptions *subscription.Service
	ledger        *escrow.Ledger
	escrowStore   escrow.Store
	disputes      *dispute.Resolver
	orderTimer    *order.Timer
	escrowTimer   *escrow.Timer
	watchers      []*watcher.Watcher
	chainClients  []watcher.ChainClient
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		listingStore listing.Store
		orderStore   order.Store
		subStore     subscription.Store
		disputeStore dispute.Store
		checkpoints  watcher.CheckpointStore
	)
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
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		listingStore = listing.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		subStore = subscription.NewPostgresStore(db)
		s.escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		checkpoints = watcher.NewPostgresCheckpoints(db)
		s.checks.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		listingStore = listing.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		subStore = subscription.NewMemoryStore()
		s.escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		checkpoints = watcher.NewMemoryCheckpoints()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Rate source: external service when configured, fixed 1:1 table otherwise
	var rateSource rates.Source
	if cfg.RatesURL != "" {
		// Catch a RATES_URL pointed at an internal address before the
		// server starts making requests to it.
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.RatesURL); err != nil {
				return nil, fmt.Errorf("invalid RATES_URL: %w", err)
			}
		}
		rateSource = rates.NewHTTPSource(cfg.RatesURL, cfg.RatesTTL)
		s.logger.Info("rate source configured", "url", cfg.RatesURL, "ttl", cfg.RatesTTL)
	} else {
		fixed := make(map[string]string, len(cfg.Currencies))
		for _, cc := range cfg.Currencies {
			fixed[cc.Code] = "1"
		}
		rateSource = rates.NewFixed(fixed)
		s.logger.Warn("RATES_URL not set, using fixed 1:1 rates (development only)")
	}

	// Core services
	s.listings = listing.NewService(listingStore)
	s.ledger = escrow.NewLedger(s.escrowStore, s.logger)
	s.subscriptions = subscription.NewService(subStore)
	s.disputes = dispute.NewResolver(disputeStore, s.ledger, s.logger)
	s.orders = order.NewService(
		orderStore,
		s.listings,
		rateSource,
		order.NewEVMAllocator(),
		s.ledger,
		subStore,
		order.Config{
			PlatformFeePct: cfg.PlatformFeePct,
			Expiry:         cfg.OrderExpiry,
			Thresholds:     cfg.ConfirmationThresholds(),
		},
		s.logger,
	)

	// Background sweeps
	s.orderTimer = order.NewTimer(s.orders, orderStore, cfg.SweepInterval, s.logger)
	s.escrowTimer = escrow.NewTimer(s.ledger, s.escrowStore, s.subscriptions, s.disputes, cfg.SweepInterval, s.logger)

	// One chain watcher per currency with an RPC endpoint. Currencies
	// without one still work but depend on deposits being reported via
	// another watcher instance.
	for _, cc := range cfg.Currencies {
		if cc.RPCURL == "" {
			s.logger.Warn("no RPC endpoint for currency, chain watching disabled", "currency", cc.Code)
			continue
		}
		client, err := watcher.NewEVMClient(watcher.EVMClientConfig{
			RPCURL:        cc.RPCURL,
			TokenContract: cc.TokenContract,
			TokenDecimals: cc.TokenDecimals,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client for %s: %w", cc.Code, err)
		}
		s.chainClients = append(s.chainClients, client)

		w := watcher.New(
			watcher.Config{Currency: cc.Code, Interval: cfg.WatchInterval},
			client,
			s.orders,
			checkpoints,
			circuitbreaker.New(5, 30*time.Second),
			s.logger,
		)
		s.watchers = append(s.watchers, w)
		s.checks.Register("watcher_"+cc.Code, health.StalenessChecker(cc.Code, 5*cfg.WatchInterval, w.LastTick))
		s.logger.Info("chain watcher configured", "currency", cc.Code, "contract", cc.TokenContract)
	}
	s.checks.Register("order_sweep", health.StalenessChecker("order_sweep", 5*cfg.SweepInterval, s.orderTimer.LastTick))
	s.checks.Register("escrow_sweep", health.StalenessChecker("escrow_sweep", 5*cfg.SweepInterval, s.escrowTimer.LastTick))

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.orders.SetEvents(s.realtimeHub)
	s.ledger.SetEvents(s.realtimeHub)

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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware gates admin routes on the X-Admin-Secret header.
// Without ADMIN_SECRET set, admin routes are open in development and
// disabled in production.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "ADMIN_SECRET is not configured",
				})
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	listingHandler := listing.NewHandler(s.listings)
	orderHandler := order.NewHandler(s.orders, s.ledger)
	subscriptionHandler := subscription.NewHandler(s.subscriptions)
	escrowHandler := escrow.NewHandler(s.ledger)
	disputeHandler := dispute.NewHandler(s.disputes)

	// PUBLIC ROUTES
	listingHandler.RegisterRoutes(v1)
	orderHandler.RegisterRoutes(v1)
	subscriptionHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)

	// ADMIN ROUTES (dispute resolution, listing management)
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	listingHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	admin.GET("/stats", s.statsHandler)
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

	healthy, statuses := s.checks.CheckAll(ctx)

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
	codes := make([]string, 0, len(s.cfg.Currencies))
	for _, cc := range s.cfg.Currencies {
		codes = append(codes, cc.Code)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "Coinsub",
		"description": "Crypto subscription payments with escrow settlement",
		"version":     "0.1.0",
		"currencies":  codes,
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	stats := gin.H{
		"realtime": s.realtimeHub.Stats(),
	}
	for _, w := range s.watchers {
		stats["lastWatcherTick"] = w.LastTick()
		break
	}
	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start chain watchers
	for _, w := range s.watchers {
		go w.Start(runCtx)
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start order expiry sweep
	go s.orderTimer.Start(runCtx)

	// Start escrow release sweep
	go s.escrowTimer.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, timers, watchers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop chain watchers (blocks until in-flight ticks drain)
	for _, w := range s.watchers {
		w.Stop()
	}
	if len(s.watchers) > 0 {
		s.logger.Info("chain watchers stopped")
	}

	// Stop sweeps
	s.orderTimer.Stop()
	s.escrowTimer.Stop()
	s.logger.Info("sweep timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain RPC connections
	for _, c := range s.chainClients {
		c.Close()
	}

	// Close database connection pool
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
