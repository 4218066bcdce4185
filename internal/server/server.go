// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis402/internal/asset"
	"github.com/mbd888/aegis402/internal/clearing"
	"github.com/mbd888/aegis402/internal/config"
	"github.com/mbd888/aegis402/internal/creditmgr"
	"github.com/mbd888/aegis402/internal/facilitator"
	"github.com/mbd888/aegis402/internal/logging"
	"github.com/mbd888/aegis402/internal/metrics"
	"github.com/mbd888/aegis402/internal/ratelimit"
	"github.com/mbd888/aegis402/internal/realtime"
	"github.com/mbd888/aegis402/internal/registry"
	"github.com/mbd888/aegis402/internal/reputation"
	"github.com/mbd888/aegis402/internal/security"
	"github.com/mbd888/aegis402/internal/units"
	"github.com/mbd888/aegis402/internal/validation"
	"github.com/mbd888/aegis402/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// TokenService is the asset-side dependency of the server: everything the
// clearing core drives plus balance reads, transfer filtering for the chain
// watcher, and teardown.
type TokenService interface {
	clearing.TokenOps
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	FilterTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]asset.Transfer, error)
	Close()
}

// CreditService is the credit-manager dependency of the server.
type CreditService interface {
	clearing.CreditOps
	Close()
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	token        TokenService
	credit       CreditService
	rep          reputation.Reader
	fac          *facilitator.Client
	core         *clearing.Core
	chainWatcher *watcher.Watcher
	timer        *clearing.DeadlineTimer
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	minStake  *big.Int
	slashBond *big.Int

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

// WithToken sets a custom asset client (for testing)
func WithToken(t TokenService) Option {
	return func(s *Server) {
		s.token = t
	}
}

// WithCredit sets a custom credit-manager client (for testing)
func WithCredit(c CreditService) Option {
	return func(s *Server) {
		s.credit = c
	}
}

// WithReputation sets a custom reputation reader
func WithReputation(r reputation.Reader) Option {
	return func(s *Server) {
		s.rep = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	minStake, ok := units.ParseAtomic(cfg.MinStakeAmount)
	if !ok {
		return nil, fmt.Errorf("invalid MIN_STAKE_AMOUNT %q", cfg.MinStakeAmount)
	}
	s.minStake = minStake

	slashBond, ok := units.ParseAtomic(cfg.SlashBondAmount)
	if !ok {
		return nil, fmt.Errorf("invalid SLASH_BOND_AMOUNT %q", cfg.SlashBondAmount)
	}
	s.slashBond = slashBond

	// Create the asset client if not injected
	if s.token == nil {
		t, err := asset.New(asset.Config{
			RPCURL:     cfg.RPCURL,
			ChainID:    cfg.ChainID,
			Contract:   cfg.AssetAddress,
			PrivateKey: cfg.PrivateKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create asset client: %w", err)
		}
		s.token = t
	}

	// Create the credit-manager client if not injected
	if s.credit == nil {
		c, err := creditmgr.New(creditmgr.Config{
			RPCURL:     cfg.RPCURL,
			ChainID:    cfg.ChainID,
			Contract:   cfg.CreditManagerAddress,
			PrivateKey: cfg.PrivateKey,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create credit manager client: %w", err)
		}
		s.credit = c
	}

	// Reputation oracle, or the neutral stub when none is configured
	if s.rep == nil {
		if cfg.ReputationURL != "" {
			s.rep = reputation.NewHTTPReader(cfg.ReputationURL)
			s.logger.Info("reputation oracle enabled", "url", cfg.ReputationURL)
		} else {
			s.rep = reputation.Stub{}
			s.logger.Info("reputation oracle not configured, using neutral factor")
		}
	}

	// x402 facilitator (verify/settle). Without it, subscribe and slash run
	// unverified in demo mode.
	s.fac = facilitator.New(cfg.FacilitatorURL, cfg.FacilitatorAPIKey, s.logger)
	if s.fac.Configured() {
		s.logger.Info("x402 facilitator enabled", "url", cfg.FacilitatorURL)
	} else {
		s.logger.Warn("facilitator not configured, payments are NOT verified (demo mode)")
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Chain watcher feeding detected transfers into the core. The callback
	// closes over s so it sees the core assigned below.
	watcherCfg := watcher.DefaultConfig()
	watcherCfg.StartBlock = cfg.StartBlock
	s.chainWatcher = watcher.New(watcherCfg, s.token, func(ctx context.Context, t asset.Transfer) {
		s.core.PaymentDetected(ctx, t)
	}, s.logger)

	// Clearing core
	coreCfg := clearing.DefaultConfig()
	coreCfg.AgentAddress = s.token.Address()
	coreCfg.DefaultDeadline = time.Duration(cfg.DefaultDeadlineSeconds) * time.Second
	s.core = clearing.New(coreCfg, registry.New(), s.credit, s.token, s.rep,
		s.chainWatcher, &hubBroadcaster{s.realtimeHub}, s.logger)

	s.timer = clearing.NewDeadlineTimer(s.core, s.logger)

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

// hubBroadcaster adapts the realtime hub to the clearing Broadcaster interface.
type hubBroadcaster struct {
	hub *realtime.Hub
}

func (b *hubBroadcaster) BroadcastMerchantSubscribed(merchant, stake, creditLimit string, skills []string) {
	b.hub.BroadcastMerchantSubscribed(merchant, stake, creditLimit, skills)
}

func (b *hubBroadcaster) BroadcastPayment(eventType, txHash, merchant, client, amount string) {
	b.hub.BroadcastPayment(realtime.EventType(eventType), txHash, merchant, client, amount)
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

	// CORS (allow all origins for demo - restrict in production)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time clearing events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Clearing operations
	s.router.POST("/subscribe", s.subscribeHandler)
	s.router.POST("/quote", s.quoteHandler)
	s.router.POST("/settle", s.settleHandler)
	s.router.POST("/slash", s.slashHandler)

	// Read side
	s.router.GET("/merchants", s.merchantsHandler)
	s.router.GET("/merchants/:address", s.merchantHandler)
	s.router.GET("/payments/:txHash", s.paymentHandler)

	// Service info
	s.router.GET("/", s.infoHandler)
}

// -----------------------------------------------------------------------------
// Health & info handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	if _, err := s.token.HeadBlock(ctx); err != nil {
		checks["rpc"] = "unhealthy"
	} else {
		checks["rpc"] = "healthy"
	}

	status := "ok"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":         status,
		"agent":          s.token.Address(),
		"credit_manager": s.credit.ContractAddress(),
		"checks":         checks,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
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
	merchants, pending := s.core.Registry().Counts()
	c.JSON(http.StatusOK, gin.H{
		"name":             "Aegis402",
		"description":      "Off-chain credit clearinghouse for pay-per-call merchants",
		"version":          "0.1.0",
		"agent":            s.token.Address(),
		"credit_manager":   s.credit.ContractAddress(),
		"chain_id":         s.cfg.ChainID,
		"min_stake":        s.minStake.String(),
		"slash_bond":       s.slashBond.String(),
		"active_merchants": merchants,
		"pending_payments": pending,
		"websocket":        "/ws",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run recovers state from the ledger, starts the background loops, and serves
// HTTP until a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Rebuild the registry from on-ledger history before accepting traffic.
	// Recovery failures are logged, never fatal.
	if err := s.core.Recover(runCtx, s.cfg.StartBlock); err != nil {
		s.logger.Error("recovery failed, starting with empty registry", "error", err)
	}

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
			"agent", s.token.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start chain watcher
	if err := s.chainWatcher.Start(runCtx); err != nil {
		s.logger.Error("failed to start chain watcher", "error", err)
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start deadline sweep timer
	go s.timer.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, timer, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.timer.Stop()
	s.logger.Info("deadline timer stopped")

	s.chainWatcher.Stop()
	s.logger.Info("chain watcher stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.token.Close()
	s.credit.Close()

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Core returns the clearing core for testing
func (s *Server) Core() *clearing.Core {
	return s.core
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
