// Package server wires the swap service together: stores, the escrow engine,
// the intent service, custody, auth, webhooks, realtime streaming, and the
// HTTP surface that exposes them.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/atomicswap/internal/auth"
	"github.com/mbd888/atomicswap/internal/chain"
	"github.com/mbd888/atomicswap/internal/config"
	"github.com/mbd888/atomicswap/internal/custody"
	"github.com/mbd888/atomicswap/internal/escrow"
	"github.com/mbd888/atomicswap/internal/idgen"
	"github.com/mbd888/atomicswap/internal/intent"
	"github.com/mbd888/atomicswap/internal/logging"
	"github.com/mbd888/atomicswap/internal/metrics"
	"github.com/mbd888/atomicswap/internal/ratelimit"
	"github.com/mbd888/atomicswap/internal/realtime"
	"github.com/mbd888/atomicswap/internal/security"
	"github.com/mbd888/atomicswap/internal/validation"
	"github.com/mbd888/atomicswap/internal/webhooks"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1 << 20

// Server is the main application server.
type Server struct {
	cfg    *config.Config
	db     *sql.DB
	router *gin.Engine
	httpSrv *http.Server
	logger *slog.Logger

	rateLimiter *ratelimit.Limiter
	hub         *realtime.Hub
	sweeper     *intent.Sweeper
	engine      *escrow.Engine
	intents     *intent.Service
	ledger      *custody.Ledger
	authMgr     *auth.Manager

	// manualClock is set in dev mode (no RPC_URL) so the admin API can
	// advance the chain height; ethClock is set otherwise and needs Close.
	manualClock *chain.ManualClock
	ethClock    *chain.EthClock

	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	healthy      atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Store selection: postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		escrowStore  escrow.Store
		intentStore  intent.Store
		custodyStore custody.Store
		authStore    auth.Store
		whStore      webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		intentStore = intent.NewPostgresStore(db)
		custodyStore = custody.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		whStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		intentStore = intent.NewMemoryStore()
		custodyStore = custody.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		whStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Chain clock: block heights from an RPC endpoint, or a manually
	// advanced clock for development.
	var clk escrow.Clock
	if cfg.RPCURL != "" {
		ec, err := chain.DialEthClock(context.Background(), cfg.RPCURL, s.logger)
		if err != nil {
			if s.db != nil {
				s.db.Close()
			}
			return nil, fmt.Errorf("dialing chain rpc: %w", err)
		}
		s.ethClock = ec
		clk = ec
		s.logger.Info("using chain clock", "rpc", cfg.RPCURL)
	} else {
		mc := chain.NewManualClock(1)
		s.manualClock = mc
		clk = mc
		s.logger.Info("using manual clock (set RPC_URL to follow a chain)")
	}

	// Core services.
	s.ledger = custody.New(custodyStore, s.logger)
	s.authMgr = auth.NewManager(authStore)

	dispatcher := webhooks.NewDispatcher(whStore)
	emitter := webhooks.NewEmitter(dispatcher, s.logger)
	s.hub = realtime.NewHub(s.logger)
	streamer := realtime.NewStreamer(s.hub)

	s.engine = escrow.NewEngine(escrowStore, s.ledger, clk, cfg.MinDeposit(), s.logger).
		WithNotifier(escrowFanout{emitter, streamer})
	s.intents = intent.NewService(intentStore, s.ledger, clk, s.engine, s.logger).
		WithNotifier(intentFanout{emitter, streamer})
	s.engine.WithIntentTracker(s.intents)
	s.sweeper = intent.NewSweeper(s.intents, cfg.IntentSweepInterval, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS * 60,
		BurstSize:         cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})

	// Handlers.
	escrowHandler := escrow.NewHandler(s.engine)
	intentHandler := intent.NewHandler(s.intents)
	custodyHandler := custody.NewHandler(s.ledger).WithEvents(emitter)
	if cfg.FaucetEnabled {
		custodyHandler = custodyHandler.WithFaucet(cfg.FaucetBaseUnits())
	}
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(whStore, dispatcher)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(escrowHandler, intentHandler, custodyHandler, authHandler, webhookHandler)

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, err interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", err, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(maxRequestBodySize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes(
	escrowHandler *escrow.Handler,
	intentHandler *intent.Handler,
	custodyHandler *custody.Handler,
	authHandler *auth.Handler,
	webhookHandler *webhooks.Handler,
) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	// Public routes.
	v1.GET("/auth", authHandler.Info)
	v1.POST("/accounts", authHandler.Register)
	v1.GET("/network", s.handleNetworkStatus)
	escrowHandler.RegisterRoutes(v1)
	intentHandler.RegisterRoutes(v1)
	custodyHandler.RegisterRoutes(v1)

	// Authenticated routes. Ownership of :address params is enforced per
	// group below; these only need a valid key.
	authed := v1.Group("")
	authed.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	escrowHandler.RegisterProtectedRoutes(authed)
	intentHandler.RegisterProtectedRoutes(authed)
	authed.GET("/me", authHandler.GetCurrentAccount)
	authed.GET("/keys", authHandler.ListKeys)
	authed.POST("/keys", authHandler.CreateKey)
	authed.DELETE("/keys/:keyId", authHandler.RevokeKey)

	// Account-scoped routes: the authenticated key must own :address.
	owned := v1.Group("")
	owned.Use(auth.Middleware(s.authMgr), auth.RequireOwnership(s.authMgr, "address"))
	owned.POST("/accounts/:address/withdraw", custodyHandler.Withdraw)
	webhookHandler.RegisterRoutes(owned)

	// Admin routes.
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	admin.POST("/deposits", custodyHandler.RecordDeposit)
	if s.manualClock != nil {
		admin.POST("/chain/advance", s.handleAdvanceChain)
	}
}

// requestIDMiddleware assigns each request an ID and threads a request-scoped
// logger through the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start).String(),
			"ip", c.ClientIP(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	resp := gin.H{
		"status":  status,
		"env":     s.cfg.Env,
		"storage": "memory",
	}
	if s.db != nil {
		resp["storage"] = "postgres"
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleNetworkStatus reports the chain height the timelock windows follow.
func (s *Server) handleNetworkStatus(c *gin.Context) {
	var clk escrow.Clock = s.manualClock
	mode := "manual"
	if s.ethClock != nil {
		clk = s.ethClock
		mode = "rpc"
	}

	height, err := clk.CurrentHeight(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "chain_unavailable",
			"message": "Failed to read chain height",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clock":     mode,
		"height":    height,
		"websocket": "/ws",
	})
}

// handleAdvanceChain moves the manual clock forward. Dev mode only; the
// route is not registered when an RPC clock is in use.
func (s *Server) handleAdvanceChain(c *gin.Context) {
	var req struct {
		Blocks uint64 `json:"blocks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Blocks == 0 {
		req.Blocks = 1
	}

	s.manualClock.Advance(req.Blocks)
	height, _ := s.manualClock.CurrentHeight(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"advanced": req.Blocks,
		"height":   height,
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.hub.Run(runCtx)
	s.sweeper.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Mark ready shortly after the listener starts.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server and its background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers a moment to observe the failing readiness probe
	// before the listener stops accepting.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.sweeper.Stop()
	s.rateLimiter.Stop()
	if s.ethClock != nil {
		s.ethClock.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	if at := strings.Index(dsn, "@"); at != -1 {
		if scheme := strings.Index(dsn, "://"); scheme != -1 {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}

// escrowFanout delivers escrow notifications to every receiver. Webhook
// delivery and websocket streaming each implement escrow.Notifier.
type escrowFanout []escrow.Notifier

func (f escrowFanout) EscrowCreated(ctx context.Context, e escrow.CreatedEvent) {
	for _, n := range f {
		n.EscrowCreated(ctx, e)
	}
}

func (f escrowFanout) EscrowWithdrawn(ctx context.Context, e escrow.WithdrawnEvent) {
	for _, n := range f {
		n.EscrowWithdrawn(ctx, e)
	}
}

func (f escrowFanout) EscrowCancelled(ctx context.Context, e escrow.CancelledEvent) {
	for _, n := range f {
		n.EscrowCancelled(ctx, e)
	}
}

// intentFanout mirrors escrowFanout for intent lifecycle notifications.
type intentFanout []intent.Notifier

func (f intentFanout) IntentCreated(ctx context.Context, e intent.CreatedEvent) {
	for _, n := range f {
		n.IntentCreated(ctx, e)
	}
}

func (f intentFanout) IntentCancelled(ctx context.Context, e intent.CancelledEvent) {
	for _, n := range f {
		n.IntentCancelled(ctx, e)
	}
}

func (f intentFanout) IntentFulfilled(ctx context.Context, e intent.FulfilledEvent) {
	for _, n := range f {
		n.IntentFulfilled(ctx, e)
	}
}

func (f intentFanout) IntentExpired(ctx context.Context, e intent.ExpiredEvent) {
	for _, n := range f {
		n.IntentExpired(ctx, e)
	}
}
