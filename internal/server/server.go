// Package server sets up the HTTP server with all routes
package server

import (
	"context"
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

	"github.com/pxl8/datagateway/internal/budget"
	"github.com/pxl8/datagateway/internal/config"
	"github.com/pxl8/datagateway/internal/controlplane"
	"github.com/pxl8/datagateway/internal/health"
	"github.com/pxl8/datagateway/internal/idgen"
	"github.com/pxl8/datagateway/internal/images"
	"github.com/pxl8/datagateway/internal/logging"
	"github.com/pxl8/datagateway/internal/metrics"
	"github.com/pxl8/datagateway/internal/policy"
	"github.com/pxl8/datagateway/internal/ratelimit"
	"github.com/pxl8/datagateway/internal/security"
	"github.com/pxl8/datagateway/internal/traces"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	engine      *budget.Engine
	policyCache *policy.Cache
	control     *controlplane.Client

	syncer   *policy.Syncer
	reporter *budget.Reporter
	refiller *budget.Refiller

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	loops          sync.WaitGroup     // tracks scheduler goroutines (reporter's final flush)
	tracerShutdown func(context.Context) error

	ready atomic.Bool
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
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Core in-memory state shared by the hot path and all schedulers.
	s.engine = budget.NewEngine(budget.EngineConfig{
		RefillThreshold: cfg.RefillThreshold,
		RefillCooldown:  cfg.RefillCooldown,
	}, s.logger)
	s.policyCache = policy.NewCache(s.logger)
	policy.ObserveAge(s.policyCache)

	// Signed client to the control plane, used only by the schedulers.
	s.control = controlplane.New(controlplane.Config{
		BaseURL:               cfg.ControlAPIURL,
		DataplaneID:           cfg.DataplaneID,
		SharedSecret:          cfg.InterplaneSecret,
		BandwidthRequestBytes: cfg.InitialBandwidthRequest,
		TransformsRequest:     cfg.InitialTransformsReq,
	})

	s.syncer = policy.NewSyncer(s.policyCache, s.control, cfg.PolicySyncInterval, s.logger)
	s.reporter = budget.NewReporter(s.engine, s.control, cfg.UsageFlushInterval, s.logger)
	s.refiller = budget.NewRefiller(s.engine, s.policyCache, s.control, cfg.BudgetRefillCheck, s.logger)

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	// The data plane cannot authorize anything sensibly until it has seen
	// one policy snapshot; before that, readiness fails.
	s.healthReg.Register("policy_snapshot", func(ctx context.Context) health.Status {
		snapshot := s.policyCache.GetCurrentSnapshot()
		if snapshot == nil {
			return health.Status{
				Name:    "policy_snapshot",
				Healthy: false,
				Detail:  "no policy snapshot loaded yet",
			}
		}
		age, _ := s.policyCache.SnapshotAge()
		return health.Status{
			Name:    "policy_snapshot",
			Healthy: true,
			Detail:  fmt.Sprintf("snapshot %s, %d tenants, age %s", snapshot.SnapshotID, len(snapshot.Tenants), age.Round(time.Second)),
		}
	})

	// Control-plane unreachability is degraded, not unhealthy: the data
	// plane operates autonomously on its leased budgets.
	s.healthReg.Register("control_api", func(ctx context.Context) health.Status {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.control.Ping(pingCtx); err != nil {
			return health.Status{
				Name:     "control_api",
				Healthy:  false,
				Degraded: true,
				Detail:   err.Error(),
			}
		}
		return health.Status{Name: "control_api", Healthy: true}
	})
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
			"error":   "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: tenant media is fetched cross-origin by design
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Per-client rate limiting in front of the budget checks
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitRPM / 10,
		CleanupInterval:   time.Minute,
	})
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
			requestID = idgen.WithPrefix("req_")
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
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Hot path
	v1 := s.router.Group("/api/v1")
	imagesHandler := images.NewHandler(s.engine, s.policyCache)
	imagesHandler.RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"service":      "pxl8-data-gateway",
		"dataplane_id": s.cfg.DataplaneID,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "starting",
			"service":      "pxl8-data-gateway",
			"dataplane_id": s.cfg.DataplaneID,
		})
		return
	}

	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}

	c.JSON(code, gin.H{
		"status":       status,
		"service":      "pxl8-data-gateway",
		"dataplane_id": s.cfg.DataplaneID,
		"checks":       statuses,
		"timestamp":    time.Now().UTC(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the reconciliation loops, then blocks
// until a shutdown signal arrives or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracer, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.cfg.DataplaneID, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = shutdownTracer
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"dataplane_id", s.cfg.DataplaneID,
			"control_api", s.cfg.ControlAPIURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Reconciliation loops. Each is independent: a wedged control plane
	// stalls at most its own cadence.
	s.startLoop(runCtx, s.syncer.Start)
	s.startLoop(runCtx, s.reporter.Start)
	s.startLoop(runCtx, s.refiller.Start)

	go metrics.StartRuntimeStatsCollector(runCtx, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

func (s *Server) startLoop(ctx context.Context, start func(context.Context)) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		start(ctx)
	}()
}

// Shutdown gracefully stops the server. The usage reporter performs its
// final flush as its loop winds down; Shutdown waits for it.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Wait for the loops (including the reporter's final flush) to finish.
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("reconciliation loops stopped")
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for reconciliation loops")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
