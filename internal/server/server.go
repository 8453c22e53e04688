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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/privacore/privgate/internal/audit"
	"github.com/privacore/privgate/internal/config"
	"github.com/privacore/privgate/internal/consent"
	"github.com/privacore/privgate/internal/engine"
	"github.com/privacore/privgate/internal/health"
	"github.com/privacore/privgate/internal/idgen"
	"github.com/privacore/privgate/internal/logging"
	"github.com/privacore/privgate/internal/metrics"
	"github.com/privacore/privgate/internal/policy"
	"github.com/privacore/privgate/internal/privacy"
	"github.com/privacore/privgate/internal/ratelimit"
	"github.com/privacore/privgate/internal/realtime"
	"github.com/privacore/privgate/internal/security"
	"github.com/privacore/privgate/internal/traces"
	"github.com/privacore/privgate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	policyStore  *policy.Store
	evaluator    *policy.Evaluator
	matrix       *consent.Matrix
	accountant   *privacy.Accountant
	orchestrator *engine.Orchestrator
	auditor      *audit.Dispatcher
	realtimeHub  *realtime.Hub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracesStop   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithPolicyStore sets a pre-built policy store (for testing)
func WithPolicyStore(store *policy.Store) Option {
	return func(s *Server) {
		s.policyStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set policy store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Policies are loaded once at startup; there is no runtime mutation API.
	if s.policyStore == nil {
		store, err := policy.LoadStore(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy document: %w", err)
		}
		s.policyStore = store
	}
	s.evaluator = policy.NewEvaluator(s.policyStore)
	s.logger.Info("policy store loaded", "policies", s.policyStore.Len())

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var consentStore consent.Store
	var budgetStore privacy.Store
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgConsent := consent.NewPostgresStore(db)
		if err := pgConsent.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate consent store", "error", err)
		}
		consentStore = pgConsent

		pgBudget := privacy.NewPostgresStore(db)
		if err := pgBudget.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate budget store", "error", err)
		}
		budgetStore = pgBudget
	} else {
		s.logger.Info("using in-memory storage")
		consentStore = consent.NewMemoryStore()
		budgetStore = privacy.NewMemoryStore()
	}

	s.matrix = consent.NewMatrix(consentStore,
		consent.WithTTL(cfg.ConsentCacheTTL),
		consent.WithCacheSize(cfg.ConsentCacheSize),
	)
	ledger := privacy.NewLedger(budgetStore, privacy.WithThreshold(cfg.BudgetThreshold))
	s.accountant = privacy.NewAccountant(ledger, privacy.NewNoisePool())

	s.auditor = audit.NewDispatcher(&audit.SlogSink{Logger: s.logger}, 0)
	s.realtimeHub = realtime.NewHub(s.logger)

	s.orchestrator = engine.New(s.matrix, s.evaluator, s.accountant,
		engine.WithAudit(s.auditor),
		engine.WithPublisher(s.realtimeHub),
	)

	// Tracing (no-op when no endpoint configured)
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracesStop = stop

	s.registerHealthChecks()

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.healthReg.Register("policy_store", func(ctx context.Context) health.Status {
		st := health.Status{Name: "policy_store", Healthy: s.policyStore.Len() > 0}
		if !st.Healthy {
			st.Detail = "no policies loaded"
		}
		return st
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := s.db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}
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

	// CORS
	origins := []string{"*"}
	if s.cfg.AllowedOrigins != "" {
		origins = splitOrigins(s.cfg.AllowedOrigins)
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func splitOrigins(csv string) []string {
	var out []string
	for _, o := range strings.Split(csv, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time decision streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.IdentifierParamMiddleware("subject"))
	v1.Use(validation.IdentifierParamMiddleware("entity"))

	// Access decisions
	v1.POST("/access/evaluate", s.evaluateHandler)
	v1.POST("/access/evaluate/batch", s.evaluateBatchHandler)

	// Privatized analytics & budget inspection
	privacyHandler := privacy.NewHandler(s.accountant)
	privacyHandler.RegisterRoutes(v1)

	// Consent records
	consentHandler := consent.NewHandler(s.matrix)
	consentHandler.RegisterRoutes(v1)

	// Engine stats
	v1.GET("/engine/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

const maxBatchSize = 100

func (s *Server) evaluateHandler(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validateAccess(&req.Access); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": errs})
		return
	}

	res := s.orchestrator.Decide(c.Request.Context(), &req)
	c.JSON(decisionStatus(res), res)
}

func (s *Server) evaluateBatchHandler(c *gin.Context) {
	var body struct {
		Requests []*engine.Request `json:"requests" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": fmt.Sprintf("batch must contain between 1 and %d requests", maxBatchSize),
		})
		return
	}
	for i, r := range body.Requests {
		if errs := validateAccess(&r.Access); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": fmt.Sprintf("request %d is invalid", i),
				"details": errs,
			})
			return
		}
	}

	results := s.orchestrator.DecideBatch(c.Request.Context(), body.Requests)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) statsHandler(c *gin.Context) {
	snap, err := s.orchestrator.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"engine":   snap,
		"realtime": s.realtimeHub.Stats(),
	})
}

func validateAccess(req *policy.AccessRequest) validation.ValidationErrors {
	return validation.Validate(
		validation.Required("subject", req.Subject),
		validation.ValidIdentifier("subject", req.Subject),
		validation.Required("sourceService", req.SourceService),
		validation.Required("destinationService", req.DestinationService),
		validation.MaxLength("resource", req.Resource, validation.MaxIdentifierLength),
	)
}

// decisionStatus maps a pipeline result to an HTTP status. Denials are
// still successful evaluations; only internal faults map to 5xx.
func decisionStatus(res *engine.Result) int {
	if res.ReasonCode == engine.ReasonInternalError {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodic DB stats collection
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

	// Cancel the context for all background goroutines (hub, collectors)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush queued audit events
	if s.auditor != nil {
		s.auditor.Close()
		s.logger.Info("audit dispatcher flushed")
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
