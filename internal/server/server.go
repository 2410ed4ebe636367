// Package server wires the settlement core together and serves the HTTP API.
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

	"github.com/tradewind-labs/escrowd/internal/bridge"
	"github.com/tradewind-labs/escrowd/internal/circuitbreaker"
	"github.com/tradewind-labs/escrowd/internal/config"
	"github.com/tradewind-labs/escrowd/internal/escrow"
	"github.com/tradewind-labs/escrowd/internal/health"
	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/logging"
	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/processor"
	"github.com/tradewind-labs/escrowd/internal/ratelimit"
	"github.com/tradewind-labs/escrowd/internal/reputation"
	"github.com/tradewind-labs/escrowd/internal/security"
	"github.com/tradewind-labs/escrowd/internal/validation"
	"github.com/tradewind-labs/escrowd/internal/wallet"
	"github.com/tradewind-labs/escrowd/internal/webhooks"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB // nil when using in-memory stores

	ledger         *ledger.Service
	escrowService  *escrow.Service
	escrowStore    escrow.Store
	sweepTimer     *escrow.Timer
	reconciler     *escrow.Reconciler
	reconcileTimer *escrow.ReconcileTimer
	monitor        *escrow.Monitor
	bridgeService  *bridge.Service
	reputations    *reputation.LedgerProvider
	pipeline       *webhooks.Pipeline
	registry       *processor.Registry
	wallets        wallet.Provider

	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWalletProvider sets a custom wallet provider (for testing).
func WithWalletProvider(p wallet.Provider) Option {
	return func(s *Server) { s.wallets = p }
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	var ledgerStore ledger.Store
	var escrowStore escrow.Store
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
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}
	s.escrowStore = escrowStore

	s.ledger = ledger.NewService(ledgerStore, s.logger)

	// Wallet provider behind a timeout + circuit breaker guard.
	if s.wallets == nil {
		breaker := circuitbreaker.New(5, 30*time.Second)
		s.wallets = wallet.NewGuard(wallet.NewStubProvider(), cfg.WalletTimeout, breaker)
	}

	// Processor adapters.
	s.registry = processor.NewRegistry()
	s.registry.Register(processor.NewStripe(cfg.StripeAPIKey, cfg.StripeWebhookSecret))
	s.registry.Register(processor.NewPayPal())
	s.registry.Register(processor.NewPlaid())

	// Webhook pipeline.
	s.pipeline = webhooks.NewPipeline(s.registry, s.ledger, map[string]string{
		"stripe": cfg.StripeWebhookSecret,
		"paypal": cfg.PayPalWebhookSecret,
		"plaid":  cfg.PlaidWebhookSecret,
	}, s.logger)

	// Escrow core with its background loops.
	s.escrowService = escrow.NewService(
		escrowStore,
		&escrowWalletAdapter{wallets: s.wallets},
		&ledgerRecorderAdapter{ledger: s.ledger},
		s.logger,
	)
	s.reputations = reputation.NewLedgerProvider(s.ledger)
	s.escrowService.WithReputationProvider(s.reputations)
	s.sweepTimer = escrow.NewTimer(s.escrowService, escrowStore, cfg.SweepInterval, s.logger)
	s.reconciler = escrow.NewReconciler(s.escrowService, s.ledger, s.registry, 10*time.Minute, s.logger)
	s.reconcileTimer = escrow.NewReconcileTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.monitor = escrow.NewMonitor(escrowStore, s.reconciler, s.sweepTimer, s.reconcileTimer)

	// Crypto-fiat bridge.
	s.bridgeService = bridge.NewService(bridge.NewStaticRates(), s.wallets, s.ledger, cfg.ExchangeFeeBps, s.logger)

	s.healthChecks = health.NewRegistry()
	s.healthChecks.Register("storage", s.storageCheck)

	if cfg.Env == "production" {
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
		return "invalid-dsn"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

func (s *Server) setupMiddleware() {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	webhooks.NewHandler(s.pipeline).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.escrowService, s.monitor).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	bridge.NewHandler(s.bridgeService).RegisterRoutes(v1)
	reputation.NewHandler(s.reputations).RegisterRoutes(v1)
}

func (s *Server) storageCheck(ctx context.Context) health.Status {
	if s.db == nil {
		return health.Status{Name: "storage", Healthy: true, Detail: "in-memory"}
	}
	if err := s.db.PingContext(ctx); err != nil {
		return health.Status{Name: "storage", Healthy: false, Detail: err.Error()}
	}
	return health.Status{Name: "storage", Healthy: true, Detail: "postgres"}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server and the background loops, then blocks until
// a shutdown signal or context cancellation.
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

	go s.sweepTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)

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

// Shutdown gracefully stops the server and the background loops.
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

	s.sweepTimer.Stop()
	s.reconcileTimer.Stop()
	s.sweepTimer.Wait()
	s.reconcileTimer.Wait()
	s.logger.Info("background loops stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
