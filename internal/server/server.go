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
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/bazaar/internal/admin"
	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/checkout"
	"github.com/mbd888/bazaar/internal/circuitbreaker"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/config"
	"github.com/mbd888/bazaar/internal/disputes"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/expiring"
	"github.com/mbd888/bazaar/internal/health"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/inventory"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/payments"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/ratelimit"
	"github.com/mbd888/bazaar/internal/realtime"
	"github.com/mbd888/bazaar/internal/reconciliation"
	"github.com/mbd888/bazaar/internal/refunds"
	"github.com/mbd888/bazaar/internal/scheduler"
	"github.com/mbd888/bazaar/internal/security"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
	"github.com/mbd888/bazaar/internal/verification"
	"github.com/mbd888/bazaar/internal/webhooks"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

var errUnknownTask = apperr.NotFound("unknown task")

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	clock   clock.Clock
	gateway payments.Gateway

	db    *sql.DB
	redis redis.UniversalClient

	inventory  *inventory.Service
	orders     *orders.Service
	payments   *payments.Service
	ledger     *ledger.Service
	escrow     *escrow.Service
	refunds    *refunds.Service
	disputes   *disputes.Service
	checkout   *checkout.Service
	intake     *webhooks.Intake
	reconciler *reconciliation.Runner

	hub         *realtime.Hub
	emitter     *notify.Emitter
	scheduler   *scheduler.Runner
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc

	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock for every settlement service (for testing)
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithGateway sets the refund gateway instead of deriving it from config
// (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// stores bundles one backend for every settlement table.
type stores struct {
	inventory inventory.Store
	orders    orders.Store
	payments  payments.Store
	ledger    ledger.Store
	escrow    escrow.Store
	refunds   refunds.Store
	disputes  disputes.Store
	webhooks  webhooks.Store
}

func memoryStores() stores {
	return stores{
		inventory: inventory.NewMemoryStore(),
		orders:    orders.NewMemoryStore(),
		payments:  payments.NewMemoryStore(),
		ledger:    ledger.NewMemoryStore(),
		escrow:    escrow.NewMemoryStore(),
		refunds:   refunds.NewMemoryStore(),
		disputes:  disputes.NewMemoryStore(),
		webhooks:  webhooks.NewMemoryStore(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		inventory: inventory.NewPostgresStore(db),
		orders:    orders.NewPostgresStore(db),
		payments:  payments.NewPostgresStore(db),
		ledger:    ledger.NewPostgresStore(db),
		escrow:    escrow.NewPostgresStore(db),
		refunds:   refunds.NewPostgresStore(db),
		disputes:  disputes.NewPostgresStore(db),
		webhooks:  webhooks.NewPostgresStore(db),
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:  clock.NewSystem(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.IsProduction() && cfg.NotifyWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
	}

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		st stores
		tx pgtx.Runner
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := metrics.RegisterDB(db, "bazaar"); err != nil {
			return nil, fmt.Errorf("failed to register pool metrics: %w", err)
		}

		s.db = db
		st = postgresStores(db)
		tx = pgtx.New(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		st = memoryStores()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// Release codes live in Redis when available so every instance sees them
	var codes expiring.Store = expiring.NewMemoryStore()
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		codes = expiring.NewRedisStore(client, "bazaar:release-code:")
		s.logger.Info("using Redis for release codes and task leases")
	}

	// Notifications fan out to every configured sink
	s.hub = realtime.NewHub(s.logger)
	sinks := []notify.Sink{notify.LogSink{Logger: s.logger}, notify.HubSink{Hub: s.hub}}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewHTTPSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, cfg.GatewayTimeout))
		s.logger.Info("notification webhook enabled")
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		s.logger.Info("kafka notifications enabled", "topic", cfg.KafkaTopic)
	}
	s.emitter = notify.NewEmitter(s.logger, sinks...)

	// Refund gateway: Stripe when keyed, sandbox otherwise, behind a breaker
	if s.gateway == nil {
		var inner payments.Gateway = payments.Sandbox{}
		if cfg.StripeSecretKey != "" {
			inner = payments.NewStripe(cfg.StripeSecretKey)
		} else {
			s.logger.Warn("STRIPE_SECRET_KEY not set, refunds use the sandbox gateway")
		}
		s.gateway = payments.NewResilient(inner,
			circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerOpenDuration),
			payments.ResilientConfig{
				Timeout:     cfg.GatewayTimeout,
				MaxAttempts: cfg.RefundGatewayMaxAttempts,
				BaseDelay:   200 * time.Millisecond,
			}, s.logger)
	}

	s.wireServices(st, tx, codes)
	s.setupHealth()
	s.setupScheduler()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) wireServices(st stores, tx pgtx.Runner, codes expiring.Store) {
	cfg := s.cfg

	s.inventory = inventory.NewService(st.inventory, tx, s.logger).
		WithClock(s.clock).
		WithDefaultTTL(cfg.ReservationTTL)
	s.orders = orders.NewService(st.orders, tx, s.logger).
		WithClock(s.clock).
		WithNotifier(s.emitter)
	s.payments = payments.NewService(st.payments, s.logger).WithClock(s.clock)
	s.ledger = ledger.NewService(st.ledger, tx, s.logger).WithClock(s.clock)

	s.escrow = escrow.NewService(st.escrow, tx, escrow.Deps{
		Payments: s.payments,
		Ledger:   s.ledger,
		Orders:   s.orders,
		Verifier: verification.NewService(codes, cfg.ReleaseCodeTTL, cfg.ReleaseCodeMaxAttempts, s.logger),
		Notifier: s.emitter,
	}, s.logger).WithClock(s.clock).WithHoldDays(cfg.HoldDurationDays)

	s.refunds = refunds.NewService(st.refunds, tx, refunds.Deps{
		Payments: s.payments,
		Ledger:   s.ledger,
		Holds:    s.escrow,
		Orders:   s.orders,
		Gateway:  s.gateway,
		Notifier: s.emitter,
	}, s.logger).WithClock(s.clock)

	s.disputes = disputes.NewService(st.disputes, tx, s.orders, s.refunds, s.logger).
		WithClock(s.clock).
		WithNotifier(s.emitter)
	s.escrow.SetDisputeChecker(s.disputes)
	s.escrow.SetRefundChecker(s.refunds)

	s.checkout = checkout.NewService(tx, checkout.Deps{
		Inventory: s.inventory,
		Orders:    s.orders,
		Payments:  s.payments,
		Ledger:    s.ledger,
		Holds:     s.escrow,
	}, checkout.Config{
		CommissionBPS:    cfg.CommissionBPS,
		HoldDurationDays: cfg.HoldDurationDays,
		ReservationTTL:   cfg.ReservationTTL,
	}, s.logger)

	s.intake = webhooks.NewIntake(st.webhooks, cfg.StripeWebhookSecret, s.checkout, s.refunds, s.ledger, s.logger).
		WithClock(s.clock)

	var checks []reconciliation.Check
	if s.db != nil {
		checks = reconciliation.PostgresChecks(s.db)
	}
	s.reconciler = reconciliation.NewRunner(checks, s.logger).WithClock(s.clock)
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.PingChecker("database", health.PingerFunc(s.db.PingContext), 2*time.Second))
	}
	if s.redis != nil {
		client := s.redis
		s.health.Register("redis", health.PingChecker("redis", health.PingerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}), 2*time.Second))
	}
	s.health.Register("scheduler", health.RunningChecker("scheduler", func() bool { return s.scheduler.Running() }))
	s.health.Register("realtime", health.RunningChecker("realtime", s.hub.Running))
}

func (s *Server) setupScheduler() {
	var locker scheduler.Locker
	switch {
	case s.redis != nil:
		locker = scheduler.NewRedisLocker(s.redis)
	case s.db != nil:
		locker = scheduler.NewPGLocker(s.db)
	default:
		locker = scheduler.NewLocalLocker()
	}
	s.scheduler = scheduler.New(locker, s.logger)

	s.scheduler.Add(scheduler.Task{
		Name:     "reservations.expire",
		Interval: s.cfg.ReservationSweepInterval,
		Run: func(ctx context.Context) error {
			_, err := s.inventory.ExpireStale(ctx)
			return err
		},
	})
	s.scheduler.Add(scheduler.Task{
		Name:     "holds.release",
		Interval: s.cfg.HoldReleaseInterval,
		Run: func(ctx context.Context) error {
			_, err := s.escrow.ReleaseMatured(ctx)
			return err
		},
	})
	s.scheduler.Add(scheduler.Task{
		Name:     "disputes.escalate",
		Interval: s.cfg.DisputeEscalationInterval,
		Run: func(ctx context.Context) error {
			_, err := s.disputes.Sweep(ctx)
			return err
		},
	})
	s.scheduler.Add(scheduler.Task{
		Name:     "reconciliation.run",
		Interval: s.cfg.ReconciliationInterval,
		Run: func(ctx context.Context) error {
			_, err := s.reconciler.RunAll(ctx)
			return err
		},
	})
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
		logging.Critical(c.Request.Context(), logging.L(c.Request.Context()), "panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSAllowedOrigins
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Actor resolution runs before rate limiting so buckets key on the actor
	s.router.Use(auth.Middleware())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitPerMinute
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.Burst = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		logger := s.logger.With("request_id", requestID)
		if actor := auth.Actor(c); actor != "" {
			logger = logger.With("actor", actor)
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, logger)
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

	// Admin console feed
	s.router.GET("/ws", auth.RequireAdmin(), func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Provider callbacks authenticate by signature, not by actor
	webhookHandler := webhooks.NewHandler(s.intake, s.logger)
	webhookHandler.RegisterProviderRoutes(s.router.Group(""))

	v1 := s.router.Group("/v1", auth.RequireActor())

	// Seller ids are actor ids, not UUIDs
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	ids := v1.Group("", validation.IDParamMiddleware("id", "orderId"))
	{
		inventory.NewHandler(s.inventory, s.logger).RegisterRoutes(ids)
		orders.NewHandler(s.orders, s.logger).WithRefunder(s.refunds).RegisterRoutes(ids)
		escrow.NewHandler(s.escrow, s.logger).RegisterRoutes(ids)
		refunds.NewHandler(s.refunds, s.logger).RegisterRoutes(ids)
		disputes.NewHandler(s.disputes, s.logger).RegisterRoutes(ids)
		checkout.NewHandler(s.checkout, s.logger).RegisterRoutes(ids)
	}

	// ADMIN ROUTES
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)
	ops := v1.Group("/admin", auth.RequireAdmin())
	{
		ledgerHandler.RegisterAdminRoutes(ops.Group("", validation.IDParamMiddleware()))
		webhookHandler.RegisterAdminRoutes(ops)
		admin.NewHandler(admin.NewService(s.refunds, s.ledger, s.logger), s.logger).RegisterRoutes(ops)
		ops.GET("/tasks", s.listTasksHandler)
		ops.POST("/tasks/:name/run", s.runTaskHandler)
		ops.GET("/realtime", s.realtimeStatsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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

func (s *Server) listTasksHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":   s.scheduler.Tasks(),
		"running": s.scheduler.Running(),
	})
}

// runTaskHandler runs one sweep immediately through the same lease path as
// the scheduler loop.
func (s *Server) runTaskHandler(c *gin.Context) {
	name := c.Param("name")
	out, err := s.scheduler.RunNow(c.Request.Context(), name)
	if errors.Is(err, scheduler.ErrUnknownTask) {
		apperr.Respond(c, apperr.Wrap(errUnknownTask, name))
		return
	}
	resp := gin.H{"task": name, "outcome": out}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// startBackground launches the hub and the sweeps.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.scheduler.Start(ctx)
	s.rateLimiter.Start()
}

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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"gateway", s.gateway.Name(),
		)
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

	// In-flight requests are done; stop sweeps, the hub and the sampler.
	s.scheduler.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimiter.Stop()

	if err := s.emitter.Close(); err != nil {
		s.logger.Error("notification sink close error", "error", err)
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
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
	return idgen.Hex(16)
}
