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
	"github.com/pasarchain/escrowd/internal/chain"
	"github.com/pasarchain/escrowd/internal/config"
	"github.com/pasarchain/escrowd/internal/dispute"
	"github.com/pasarchain/escrowd/internal/escrow"
	"github.com/pasarchain/escrowd/internal/health"
	"github.com/pasarchain/escrowd/internal/logging"
	"github.com/pasarchain/escrowd/internal/metrics"
	"github.com/pasarchain/escrowd/internal/notify"
	"github.com/pasarchain/escrowd/internal/ratelimit"
	"github.com/pasarchain/escrowd/internal/security"
	"github.com/pasarchain/escrowd/internal/traces"
	"github.com/pasarchain/escrowd/internal/transaction"
	"github.com/pasarchain/escrowd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	txService     *transaction.Service
	disputeMgr    *dispute.Manager
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	adapter       *chain.Adapter
	hub           *notify.Hub
	demoDir       *demoDirectory // nil when a real storefront is configured
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

	// Test doubles, consumed by New
	injectedChain    chain.EthClient
	injectedProducts transaction.ProductDirectory
	injectedBuyers   transaction.BuyerDirectory

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

// WithChainClient injects an RPC client double, skipping ethclient.Dial.
func WithChainClient(client chain.EthClient) Option {
	return func(s *Server) {
		s.injectedChain = client
	}
}

// WithDirectory injects product and buyer resolvers (for testing).
func WithDirectory(products transaction.ProductDirectory, buyers transaction.BuyerDirectory) Option {
	return func(s *Server) {
		s.injectedProducts = products
		s.injectedBuyers = buyers
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger / test doubles)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		txStore      transaction.Store
		disputeStore dispute.Store
		escrowStore  escrow.Store
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
		txStore = transaction.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		txStore = transaction.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Product and buyer directories: the storefront is an external service;
	// without one configured a seeded in-process directory serves demos.
	products := s.injectedProducts
	buyers := s.injectedBuyers
	if products == nil || buyers == nil {
		if cfg.StorefrontURL != "" {
			sf := newStorefrontClient(cfg.StorefrontURL)
			products, buyers = sf, sf
			s.logger.Info("storefront directory enabled", "url", cfg.StorefrontURL)
		} else {
			demo := newDemoDirectory()
			products, buyers = demo, demo
			s.demoDir = demo
			s.logger.Warn("no STOREFRONT_URL set, using seeded demo directory")
		}
	}

	// Realtime hub for the transition feed
	s.hub = notify.NewHub(s.logger)

	// Transaction orchestrator
	s.txService = transaction.NewService(txStore, products, buyers).WithPublisher(s.hub)

	// Dispute manager
	s.disputeMgr = dispute.NewManager(disputeStore, s.txService, s.logger)

	// Chain adapter
	chainCfg := chain.Config{
		RPCURL:         cfg.RPCURL,
		ChainID:        cfg.ChainID,
		EscrowContract: cfg.EscrowContract,
	}
	var chainOpts []chain.Option
	if s.injectedChain != nil {
		chainOpts = append(chainOpts, chain.WithClient(s.injectedChain))
	}
	adapter, err := chain.New(chainCfg, chainOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain adapter: %w", err)
	}
	s.adapter = adapter
	s.txService.WithPaymentVerifier(adapter)

	// Escrow protocol service + reconciliation timer
	s.escrowService = escrow.NewService(escrowStore, s.txService, s.disputeMgr, adapter, escrow.Config{
		ArbiterAddress: cfg.ArbiterAddress,
		IntentTTL:      cfg.ConfirmTimeout,
	}, s.logger)
	reconciler := escrow.NewReconciler(s.escrowService, cfg.ReconcileGracePeriod, s.logger)
	s.escrowTimer = escrow.NewTimer(reconciler, cfg.ReconcileInterval, s.logger)

	// Health checkers
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
		if _, err := adapter.BlockNumber(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
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

// identityMiddleware reads the caller identity from headers. Real
// authentication ran upstream (gateway / storefront session); this service
// only needs to know who the authenticated caller is.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "X-User-ID header is required",
			})
			return
		}
		c.Set("authUserID", userID)
		c.Set("authWalletAddr", c.GetHeader("X-Wallet-Address"))
		c.Set("authIsAdmin", s.isAdmin(c))
		c.Next()
	}
}

// adminMiddleware gates the admin route group.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.isAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin access required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) isAdmin(c *gin.Context) bool {
	secret := c.GetHeader("X-Admin-Secret")
	if s.cfg.AdminSecret == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) == 1
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// WebSocket transition feed (no identity needed to observe)
	v1.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// AUTHENTICATED ROUTES (identity headers required)
	authed := v1.Group("")
	authed.Use(s.identityMiddleware())
	{
		txHandler := transaction.NewHandler(s.txService)
		txHandler.RegisterRoutes(authed)

		disputeHandler := dispute.NewHandler(s.disputeMgr)
		disputeHandler.RegisterRoutes(authed)

		escrowHandler := escrow.NewHandler(s.escrowService)
		escrowHandler.RegisterRoutes(authed)

		// ADMIN ROUTES
		admin := authed.Group("/admin")
		admin.Use(s.adminMiddleware())
		{
			txHandler.RegisterAdminRoutes(admin)
			disputeHandler.RegisterAdminRoutes(admin)
			escrowHandler.RegisterAdminRoutes(admin)

			// Demo directory seeding, only wired when no storefront exists
			if s.demoDir != nil {
				admin.POST("/demo/products", s.seedProductHandler)
				admin.POST("/demo/wallets", s.seedWalletHandler)
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow-brokered P2P sales backend",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"contract":    s.cfg.EscrowContract,
	})
}

func (s *Server) seedProductHandler(c *gin.Context) {
	var req struct {
		ID         string `json:"id" binding:"required"`
		SellerID   string `json:"sellerId" binding:"required"`
		SellerAddr string `json:"sellerAddress" binding:"required"`
		Title      string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id, sellerId and sellerAddress are required",
		})
		return
	}
	if !validation.IsValidEthAddress(req.SellerAddr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "sellerAddress must be a valid Ethereum address",
		})
		return
	}
	s.demoDir.SeedProduct(&transaction.Product{
		ID:         req.ID,
		SellerID:   req.SellerID,
		SellerAddr: req.SellerAddr,
		Title:      validation.SanitizeString(req.Title, 200),
	})
	c.JSON(http.StatusCreated, gin.H{"seeded": req.ID})
}

func (s *Server) seedWalletHandler(c *gin.Context) {
	var req struct {
		UserID  string `json:"userId" binding:"required"`
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and address are required",
		})
		return
	}
	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address",
		})
		return
	}
	s.demoDir.SeedWallet(req.UserID, req.Address)
	c.JSON(http.StatusCreated, gin.H{"seeded": req.UserID})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint configured)
	shutdownTrace, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
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
			"contract", s.cfg.EscrowContract,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start reconciliation timer
	go s.escrowTimer.Start(runCtx)

	// DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
