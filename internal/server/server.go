// Package server sets up the HTTP server with all routes.
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
	"github.com/tradeshield/tradeshield/internal/cashout"
	"github.com/tradeshield/tradeshield/internal/circuitbreaker"
	"github.com/tradeshield/tradeshield/internal/config"
	"github.com/tradeshield/tradeshield/internal/escrow"
	"github.com/tradeshield/tradeshield/internal/health"
	"github.com/tradeshield/tradeshield/internal/idgen"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/logging"
	"github.com/tradeshield/tradeshield/internal/metrics"
	"github.com/tradeshield/tradeshield/internal/notify"
	"github.com/tradeshield/tradeshield/internal/orphan"
	"github.com/tradeshield/tradeshield/internal/payout"
	"github.com/tradeshield/tradeshield/internal/ratelimit"
	"github.com/tradeshield/tradeshield/internal/rates"
	"github.com/tradeshield/tradeshield/internal/realtime"
	"github.com/tradeshield/tradeshield/internal/refund"
	"github.com/tradeshield/tradeshield/internal/security"
	"github.com/tradeshield/tradeshield/internal/validation"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	wallets     *wallet.Service
	history     ledger.Store
	refundStore refund.Store
	engine      *refund.Engine
	escrows     *escrow.Service
	escrowTimer *escrow.Timer
	cashouts    *cashout.Service
	reconciler  *orphan.Reconciler
	orphanTimer *orphan.Timer
	ratesSvc    *rates.Service
	hub         *realtime.Hub
	checks      *health.Registry
	limiter     *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	redisCache   *rates.RedisCache
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

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

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = realtime.NewHub(logging.Component(s.logger, "realtime"))

	notifier := notify.Multi{
		notify.NewLogNotifier(logging.Component(s.logger, "notify")),
		notify.NewHubNotifier(s.hub),
	}

	// Rate cache: Redis when configured, in-memory otherwise.
	var rateCache rates.Cache
	if cfg.RedisURL != "" {
		rc, err := rates.NewRedisCache(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.redisCache = rc
		rateCache = rc
		s.logger.Info("rate cache using Redis")
	} else {
		rateCache = rates.NewMemoryCache()
	}

	var rateProvider rates.Provider
	if cfg.RateProviderURL != "" {
		if err := security.ValidateOutboundURL(cfg.RateProviderURL, !cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("RATE_PROVIDER_URL: %w", err)
		}
		rateProvider = rates.NewHTTPProvider(cfg.RateProviderURL)
		s.logger.Info("live rate provider configured")
	}
	s.ratesSvc = rates.NewService(rateCache, rateProvider, cfg.RateEstimates,
		cfg.RateCacheTTL, logging.Component(s.logger, "rates"))

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		walletStore  wallet.Store
		refundStore  refund.Store
		escrowStore  escrow.Store
		cashoutStore cashout.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		walletStore = wallet.NewPostgresStore(db)
		s.history = ledger.NewPostgresStore(db)
		refundStore = refund.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		cashoutStore = cashout.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		memWallets := wallet.NewMemoryStore()
		memLedger := ledger.NewMemoryStore()
		walletStore = memWallets
		s.history = memLedger
		refundStore = refund.NewMemoryStore(memWallets, memLedger)
		escrowStore = escrow.NewMemoryStore()
		cashoutStore = cashout.NewMemoryStore()
	}
	s.refundStore = refundStore
	s.wallets = wallet.NewService(walletStore)

	calc := refund.NewCalculator(s.history, s.ratesSvc, logging.Component(s.logger, "eligibility"))
	s.engine = refund.NewEngine(refundStore, calc, notifier, cfg.AutoRefundDisabled,
		logging.Component(s.logger, "refund")).WithEvents(s.hub)
	if len(cfg.AutoRefundDisabled) > 0 {
		s.logger.Info("automatic refunds disabled for some reasons", "reasons", cfg.AutoRefundDisabled)
	}

	var payoutProvider payout.Provider
	providerName := "noop"
	if cfg.StripeKey != "" {
		payoutProvider = payout.NewStripeProvider(cfg.StripeKey, logging.Component(s.logger, "payout"))
		providerName = "stripe"
		s.logger.Info("stripe payouts enabled")
	} else {
		payoutProvider = payout.NewNoopProvider(logging.Component(s.logger, "payout"))
		s.logger.Info("payouts in simulation mode")
	}
	// A tripped circuit rejects dispatches up front; those cashouts stay
	// pending and the orphan sweep returns the debit if the outage lasts.
	payoutProvider = payout.Guard(payoutProvider, providerName, circuitbreaker.New(5, 30*time.Second))

	s.escrows = escrow.NewService(escrowStore, walletStore, s.history, s.engine,
		logging.Component(s.logger, "escrow"))
	s.escrowTimer = escrow.NewTimer(s.escrows, cfg.EscrowSweepEvery, logging.Component(s.logger, "escrow"))

	s.cashouts = cashout.NewService(cashoutStore, walletStore, s.history, payoutProvider,
		logging.Component(s.logger, "cashout"))
	s.reconciler = orphan.NewReconciler(cashoutStore, s.history, s.engine, s.ratesSvc,
		notifier, cfg.OrphanTimeout, logging.Component(s.logger, "orphan"))
	s.orphanTimer = orphan.NewTimer(s.reconciler, cfg.OrphanSweepEvery, logging.Component(s.logger, "orphan"))

	s.registerHealthChecks()

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
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.redisCache != nil {
		rc := s.redisCache
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := rc.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
	s.checks.Register("orphan_sweep", func(ctx context.Context) health.Status {
		return health.Status{Name: "orphan_sweep", Healthy: s.orphanTimer.Running()}
	})
	s.checks.Register("escrow_sweep", func(ctx context.Context) health.Status {
		return health.Status{Name: "escrow_sweep", Healthy: s.escrowTimer.Running()}
	})
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.FromContext(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.limiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
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
		logger := logging.FromContext(c.Request.Context())

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

// Run starts the HTTP server and all background loops, then blocks until a
// shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
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

	go s.hub.Run()
	go s.escrowTimer.Start(runCtx)
	go s.orphanTimer.Start(runCtx)
	go s.archiveLoop(runCtx)
	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
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

// archiveLoop periodically archives old failed refund records.
func (s *Server) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.ArchiveFailed(ctx, s.cfg.FailedRetention); err != nil {
				s.logger.Warn("failed refund archival sweep failed", "error", err)
			}
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.orphanTimer.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	if s.redisCache != nil {
		if err := s.redisCache.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
