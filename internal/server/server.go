// Package server wires the application together and runs the HTTP API.
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/sikafo/trustpay/internal/alerts"
	"github.com/sikafo/trustpay/internal/circuitbreaker"
	"github.com/sikafo/trustpay/internal/config"
	"github.com/sikafo/trustpay/internal/dispute"
	"github.com/sikafo/trustpay/internal/escrow"
	"github.com/sikafo/trustpay/internal/health"
	"github.com/sikafo/trustpay/internal/ledger"
	"github.com/sikafo/trustpay/internal/logging"
	"github.com/sikafo/trustpay/internal/metrics"
	"github.com/sikafo/trustpay/internal/notify"
	"github.com/sikafo/trustpay/internal/provider"
	"github.com/sikafo/trustpay/internal/ratelimit"
	"github.com/sikafo/trustpay/internal/recon"
	"github.com/sikafo/trustpay/internal/sched"
	"github.com/sikafo/trustpay/internal/security"
	"github.com/sikafo/trustpay/internal/traces"
	"github.com/sikafo/trustpay/internal/trust"
	"github.com/sikafo/trustpay/internal/validation"
	"github.com/sikafo/trustpay/internal/webhookqueue"
)

// Server wraps the HTTP server and its collaborators.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB // nil when running in-memory
	redis *redis.Client

	providers    *provider.Registry
	ledger       *ledger.Ledger
	escrows      *escrow.Service
	disputes     *dispute.Service
	trust        *trust.Service
	recon        *recon.Service
	alerts       *alerts.Service
	queue        *webhookqueue.Service
	notifyHub    *notify.Hub
	runner       *sched.Runner
	ticker       *sched.Ticker
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	shutdownOTel func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithProviders injects a payment provider registry, used by tests to
// substitute a fake gateway.
func WithProviders(reg *provider.Registry) Option {
	return func(s *Server) { s.providers = reg }
}

// New builds the server: storage, services, routes. Postgres is used
// when DATABASE_URL is set, otherwise everything runs in-memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, "json")
	}
	logger := s.logger

	var (
		ledgerStore   ledger.Store
		escrowStore   escrow.Store
		disputeStore  dispute.Store
		queueStore    webhookqueue.Store
		alertStore    alerts.Store
		taskStore     sched.Store
		trustStore    trust.Store
		jobStore      recon.JobStore
		deliveryStore recon.DeliveryStore
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		s.db = db
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		queueStore = webhookqueue.NewPostgresStore(db)
		alertStore = alerts.NewPostgresStore(db)
		taskStore = sched.NewPostgresStore(db)
		trustStore = trust.NewPostgresStore(db)
		jobStore = recon.NewPostgresJobStore(db)
		deliveryStore = recon.NewPostgresDeliveryStore(db)
	} else {
		logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		queueStore = webhookqueue.NewMemoryStore()
		alertStore = alerts.NewMemoryStore()
		taskStore = sched.NewMemoryStore()
		trustStore = trust.NewMemoryStore()
		jobStore = recon.NewMemoryJobStore()
		deliveryStore = recon.NewMemoryDeliveryStore()
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
	}

	if s.providers == nil {
		s.providers = buildProviderRegistry(cfg, logger)
	}

	s.alerts = alerts.NewService(alertStore)
	s.ledger = ledger.New(ledgerStore)

	fees := escrow.FeeSchedule{
		JobBps:      cfg.FeeJobBps,
		ProduceBps:  cfg.FeeProduceBps,
		DeliveryBps: cfg.FeeDeliveryBps,
	}
	s.escrows = escrow.NewService(escrowStore, s.ledger, s.providers, fees, logger)
	s.disputes = dispute.NewService(disputeStore, s.escrows, logger)
	s.escrows.SetCompletionSource(&recon.Completion{Jobs: jobStore, Deliveries: deliveryStore})

	// Notification fan-out: WebSocket always, Redis and SMS when configured.
	s.notifyHub = notify.NewHub(logger)
	sinks := []notify.Sink{s.notifyHub}
	if s.redis != nil {
		sinks = append(sinks, notify.NewRedisSink(s.redis))
		logger.Info("redis notification fan-out enabled")
	}
	if cfg.SMSGatewayURL != "" {
		if err := security.ValidateEndpointURL(cfg.SMSGatewayURL); err != nil {
			return nil, fmt.Errorf("SMS_GATEWAY_URL: %w", err)
		}
		sinks = append(sinks, notify.NewSMSSink(cfg.SMSGatewayURL, cfg.SMSGatewayKey))
		logger.Info("sms notifications enabled")
	}
	notifier := notify.NewService(logger, sinks...)
	s.escrows.SetNotifier(notifier)
	s.disputes.SetNotifier(notifier)

	s.trust = trust.NewService(trustStore, 6*time.Hour, logger)
	s.recon = recon.NewService(
		s.escrows, escrowStore, s.trust, s.ledger, s.alerts,
		jobStore, deliveryStore,
		recon.Thresholds{
			AutoRelease:      time.Duration(cfg.AutoReleaseHours) * time.Hour,
			AutoReleaseFloor: time.Duration(cfg.AutoReleaseFloorHours) * time.Hour,
			AutoConfirm:      time.Duration(cfg.AutoConfirmHours) * time.Hour,
			AutoConfirmFloor: time.Duration(cfg.AutoConfirmFloorHours) * time.Hour,
		},
		logger,
	)

	s.queue = webhookqueue.NewService(
		queueStore, s.webhookHandler(), s.alerts, cfg.WebhookMaxAttempts, logger)

	s.runner = sched.NewRunner(taskStore, s.alerts, logger)
	s.ticker = sched.NewTicker(s.runner, s.tasks(),
		time.Duration(cfg.SchedulerIntervalSeconds)*time.Second, logger)

	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("postgres", health.DatabaseChecker(s.db))
	}
	if s.redis != nil {
		s.healthReg.Register("redis", health.RedisChecker(s.redis))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// buildProviderRegistry constructs only the gateways that have secrets
// configured, so an unconfigured provider is absent rather than broken.
func buildProviderRegistry(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	// A flapping gateway trips its breaker instead of stalling deposits.
	breaker := circuitbreaker.New(5, 30*time.Second)

	var providers []provider.Provider
	if cfg.PaystackSecret != "" {
		providers = append(providers, provider.WithBreaker(provider.NewPaystack(cfg.PaystackSecret), breaker))
		logger.Info("paystack enabled")
	}
	if cfg.FlutterwaveSecret != "" {
		providers = append(providers, provider.WithBreaker(provider.NewFlutterwave(cfg.FlutterwaveSecret, cfg.FlutterwaveHash), breaker))
		logger.Info("flutterwave enabled")
	}
	if cfg.StripeSecret != "" {
		providers = append(providers, provider.WithBreaker(provider.NewStripe(cfg.StripeSecret, cfg.StripeWebhookKey), breaker))
		logger.Info("stripe enabled")
	}
	if len(providers) == 0 {
		logger.Warn("no payment provider configured; deposits will be rejected")
	}
	return provider.NewRegistry(cfg.DefaultProvider, providers...)
}

// webhookHandler is the queue's drain function: re-parse the stored
// event and confirm the matching escrow legs. Confirm is idempotent,
// so a replay after a crash is harmless.
func (s *Server) webhookHandler() webhookqueue.Handler {
	return func(ctx context.Context, item *webhookqueue.Item) (webhookqueue.Outcome, error) {
		p, err := s.providers.Get(item.Provider)
		if err != nil {
			return "", fmt.Errorf("provider %q: %w", item.Provider, err)
		}
		ev, err := p.ParseWebhook(item.Payload)
		if err != nil {
			return "", fmt.Errorf("parsing stored webhook: %w", err)
		}
		if !ev.Paid || ev.Reference == "" {
			return webhookqueue.OutcomeIgnored, nil
		}
		moved, err := s.escrows.Confirm(ctx, item.Provider, ev.Reference)
		if err != nil {
			return "", fmt.Errorf("confirming %s: %w", ev.Reference, err)
		}
		if len(moved) == 0 {
			// Already confirmed by an earlier delivery or a verify call.
			return webhookqueue.OutcomeIgnored, nil
		}
		return webhookqueue.OutcomeProcessed, nil
	}
}

// tasks declares the guarded background jobs the scheduler drives.
func (s *Server) tasks() []sched.Task {
	opts := func(cooldown time.Duration) sched.Options {
		return sched.Options{
			Cooldown:          cooldown,
			AlertThreshold:    s.cfg.TaskAlertThreshold,
			EscalateThreshold: s.cfg.TaskEscalateThreshold,
		}
	}
	return []sched.Task{
		{
			Name: "webhook_drain",
			Run: func(ctx context.Context) error {
				_, err := s.queue.ProcessQueue(ctx, 100)
				return err
			},
			Options: opts(0),
		},
		{
			Name: "auto_release",
			Run: func(ctx context.Context) error {
				_, err := s.recon.AutoRelease(ctx)
				return err
			},
			Options: opts(10 * time.Minute),
		},
		{
			Name: "auto_confirm",
			Run: func(ctx context.Context) error {
				_, err := s.recon.AutoConfirm(ctx)
				return err
			},
			Options: opts(10 * time.Minute),
		},
		{
			Name: "trust_recompute",
			Run: func(ctx context.Context) error {
				_, err := s.trust.RecomputeStale(ctx, 500)
				return err
			},
			Options: opts(time.Hour),
		},
		{
			Name: "stuck_money",
			Run: func(ctx context.Context) error {
				_, err := s.recon.CheckStuckMoney(ctx)
				return err
			},
			Options: opts(6 * time.Hour),
		},
	}
}

// Run starts the HTTP server and background loops, then blocks until a
// shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := traces.Init(runCtx, endpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.shutdownOTel = shutdown
		}
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.notifyHub.Run(runCtx)
	go s.ticker.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown stops the HTTP server and background loops gracefully.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.ticker.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin router for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupMiddleware installs the shared middleware chain.
func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(idempotencyKeyMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		}
	}
}

// idempotencyKeyMiddleware copies the Idempotency-Key header into the
// gin context for the handlers that require one.
func idempotencyKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			c.Set("idempotencyKey", key)
		}
		c.Next()
	}
}

// maskDSN hides the password in a connection string for logging.
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
