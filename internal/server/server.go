// Package server wires the credits core into an HTTP service.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/credits/internal/auth"
	"github.com/mbd888/credits/internal/config"
	"github.com/mbd888/credits/internal/credits"
	"github.com/mbd888/credits/internal/health"
	"github.com/mbd888/credits/internal/holds"
	"github.com/mbd888/credits/internal/httpapi"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
	"github.com/mbd888/credits/internal/payments"
	"github.com/mbd888/credits/internal/payments/stripecard"
	"github.com/mbd888/credits/internal/ratelimit"
	"github.com/mbd888/credits/internal/reconciliation"
	"github.com/mbd888/credits/internal/refunds"
	"github.com/mbd888/credits/internal/security"
	"github.com/mbd888/credits/internal/traces"
	"github.com/mbd888/credits/internal/transactions"
	"github.com/mbd888/credits/internal/validation"
	"github.com/mbd888/credits/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	ledgerStore ledger.Store
	holdStore   holds.Store

	credits      *credits.Manager
	transactions *transactions.Manager
	refunds      *refunds.Manager
	holds        *holds.Manager
	dispatcher   *holds.Dispatcher
	payments     *payments.Orchestrator
	fulfiller    *payments.Fulfiller
	providers    map[string]payments.Provider

	settlementTimer *holds.Timer
	reconciler      *reconciliation.Runner
	reconcileTimer  *reconciliation.Timer
	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	webhookLimiter  *ratelimit.Limiter

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

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

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithProvider registers an extra payment provider (for testing)
func WithProvider(name string, p payments.Provider) Option {
	return func(s *Server) {
		if s.providers == nil {
			s.providers = make(map[string]payments.Provider)
		}
		s.providers[name] = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			_ = shutdownTraces(ctx)
			return nil, err
		}
	} else {
		s.ledgerStore = ledger.NewMemoryStore()
		s.holdStore = holds.NewMemoryStore()
		s.logger.Warn("using in-memory storage; balances are lost on restart")
	}

	s.credits = credits.NewManager(s.ledgerStore).WithCurrency(cfg.Currency)
	s.transactions = transactions.NewManager(s.ledgerStore)
	s.transactions.OnStatusChange(func(_ context.Context, tx *ledger.CreditTransaction, from ledger.Status) {
		ledger.RecordStatusChange(tx, from)
	})
	s.refunds = refunds.NewManager(s.credits)

	dispatchCfg := holds.DefaultDispatcherConfig()
	dispatchCfg.MaxAttempts = cfg.SettlementMaxAttempts
	s.dispatcher = holds.NewDispatcher(s.holdStore, s.credits, s.refunds, s.transactions, dispatchCfg)
	s.holds = holds.NewManager(s.holdStore, s.dispatcher, s.transactions)
	s.settlementTimer = holds.NewTimer(s.dispatcher, cfg.SettlementInterval, s.logger)

	s.reconciler = reconciliation.NewRunner(s.ledgerStore, s.holdStore)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if err := s.setupPayments(); err != nil {
		s.closeDatabase()
		_ = shutdownTraces(ctx)
		return nil, err
	}

	s.setupHealth()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.db = db
	s.ledgerStore = ledger.NewPostgresStore(db)
	s.holdStore = holds.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) closeDatabase() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// setupPayments registers the card provider (when configured) and any
// providers passed as options. Every provider reports webhook outcomes to
// the same fulfiller, which also records the pending purchase for each
// payment created through the orchestrator.
func (s *Server) setupPayments() error {
	s.fulfiller = payments.NewFulfiller(s.credits, s.transactions)
	s.payments = payments.NewOrchestrator(
		payments.WithTimeout(s.cfg.ProviderTimeout),
		payments.WithBreakerSettings(s.cfg.BreakerThreshold, s.cfg.BreakerOpenDuration),
		payments.WithRecorder(s.fulfiller),
	)

	if s.cfg.StripeSecretKey != "" {
		card := stripecard.New(stripecard.Config{
			SecretKey:     s.cfg.StripeSecretKey,
			WebhookSecret: s.cfg.StripeWebhookSecret,
		}, s.fulfiller)
		if err := s.payments.RegisterProvider(stripecard.Name, card); err != nil {
			return fmt.Errorf("register %s: %w", stripecard.Name, err)
		}
	}
	for name, p := range s.providers {
		if err := s.payments.RegisterProvider(name, p); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	s.logger.Info("payment providers", "providers", s.payments.GetAvailableProviders())
	return nil
}

func (s *Server) setupHealth() {
	if s.db != nil {
		s.health.Register("database", health.PingChecker("database", s.db, 2*time.Second))
	}
	s.health.Register("settlement_dispatcher", func(ctx context.Context) health.Status {
		if !s.ready.Load() || s.settlementTimer.Running() {
			return health.Status{Name: "settlement_dispatcher", Healthy: true}
		}
		return health.Status{Name: "settlement_dispatcher", Healthy: false, Detail: "sweep loop not running"}
	})
	s.health.Register("payment_providers", func(ctx context.Context) health.Status {
		return providerHealth(len(s.payments.GetAvailableProviders()), s.payments.OpenCircuits())
	})
}

// providerHealth is unhealthy only when every registered provider's
// circuit is open; a single tripped provider is reported in Detail.
func providerHealth(registered int, open []string) health.Status {
	st := health.Status{Name: "payment_providers", Healthy: registered == 0 || len(open) < registered}
	if len(open) > 0 {
		st.Detail = "circuit open: " + strings.Join(open, ", ")
	}
	return st
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
	s.router.GET("/health", health.Handler(s.health, s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.webhookLimiter = ratelimit.New(ratelimit.WebhookConfig())

	h := httpapi.NewHandler(s.credits, s.transactions, s.refunds, s.holds, s.payments)
	v1 := s.router.Group("/v1")

	public := v1.Group("", s.rateLimiter.Middleware("public"))
	h.RegisterRoutes(public)

	webhooks := v1.Group("", s.webhookLimiter.Middleware("webhook"))
	h.RegisterWebhookRoutes(webhooks)

	admin := v1.Group("",
		s.rateLimiter.Middleware("admin"),
		auth.RequireAdmin(auth.NewAdminGuard(s.cfg.AdminSecret)),
	)
	h.RegisterAdminRoutes(admin)
	admin.POST("/reconciliation", s.reconcileHandler)
	admin.POST("/settlements/dispatch", s.dispatchHandler)
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

// reconcileHandler runs a reconciliation pass on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// dispatchHandler sweeps due settlement events now instead of waiting for
// the timer.
func (s *Server) dispatchHandler(c *gin.Context) {
	stats, err := s.dispatcher.DispatchDue(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("settlement dispatch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Settlement dispatch failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
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

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
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

func (s *Server) startBackground(ctx context.Context) {
	go s.settlementTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.settlementTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("background timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.webhookLimiter != nil {
		s.webhookLimiter.Stop()
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	s.closeDatabase()

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
