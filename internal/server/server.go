// Package server sets up the HTTP server with all routes
package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
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
	"github.com/wisnuaw/blastgate/internal/admission"
	"github.com/wisnuaw/blastgate/internal/auth"
	"github.com/wisnuaw/blastgate/internal/bucket"
	"github.com/wisnuaw/blastgate/internal/config"
	"github.com/wisnuaw/blastgate/internal/delivery"
	"github.com/wisnuaw/blastgate/internal/health"
	"github.com/wisnuaw/blastgate/internal/logging"
	"github.com/wisnuaw/blastgate/internal/metrics"
	"github.com/wisnuaw/blastgate/internal/notify"
	"github.com/wisnuaw/blastgate/internal/policy"
	"github.com/wisnuaw/blastgate/internal/ratelimit"
	"github.com/wisnuaw/blastgate/internal/realtime"
	"github.com/wisnuaw/blastgate/internal/restriction"
	"github.com/wisnuaw/blastgate/internal/risk"
	"github.com/wisnuaw/blastgate/internal/security"
	"github.com/wisnuaw/blastgate/internal/traces"
	"github.com/wisnuaw/blastgate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	machine   *restriction.Machine
	engine    *risk.Engine
	limiter   *bucket.Limiter
	admission *admission.Service
	processor *delivery.Processor
	evaluator *policy.Evaluator

	restrictionStore restriction.Store
	riskStore        risk.Store

	authMgr     *auth.Manager
	notifyStore notify.Store
	dispatcher  *notify.Dispatcher
	emitter     *notify.Emitter
	realtimeHub *realtime.Hub

	decayWorker *risk.DecayWorker
	sweepWorker *policy.SweepWorker

	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc        // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Tracing (optional, needs an OTLP collector endpoint)
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.shutdownTraces = shutdown
			s.logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
		}
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var bucketStore bucket.Store
	var deliveryStore delivery.Store

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

		bucketPG := bucket.NewPostgresStore(db)
		if err := bucketPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate bucket store", "error", err)
		}
		bucketStore = bucketPG

		riskPG := risk.NewPostgresStore(db)
		if err := riskPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk store", "error", err)
		}
		s.riskStore = riskPG

		restrictionPG := restriction.NewPostgresStore(db)
		if err := restrictionPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate restriction store", "error", err)
		}
		s.restrictionStore = restrictionPG

		deliveryPG := delivery.NewPostgresStore(db)
		if err := deliveryPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate delivery store", "error", err)
		}
		deliveryStore = deliveryPG

		notifyPG := notify.NewPostgresStore(db)
		if err := notifyPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate notify store", "error", err)
		}
		s.notifyStore = notifyPG

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		bucketStore = bucket.NewMemoryStore()
		s.riskStore = risk.NewMemoryStore()
		s.restrictionStore = restriction.NewMemoryStore()
		deliveryStore = delivery.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
	}

	// Shared buckets via Redis override the local store, so every node
	// draws from the same token budget.
	var redisStore *bucket.RedisStore
	if cfg.RedisURL != "" {
		rs, err := bucket.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		bucketStore = rs
		redisStore = rs
		s.logger.Info("using Redis token buckets")
	}

	// Core domain services. The listeners fan committed state changes out
	// to the notification dispatcher and the realtime hub.
	s.machine = restriction.NewMachine(s.restrictionStore,
		restriction.WithLogger(s.logger),
		restriction.WithTransitionListener(s.onRestrictionTransition),
	)
	s.engine = risk.NewEngine(s.riskStore,
		risk.WithLogger(s.logger),
		risk.WithLevelListener(s.onRiskLevelChange),
	)
	s.limiter = bucket.NewLimiter(bucketStore, bucket.WithLogger(s.logger))

	s.admission = admission.NewService(s.machine, s.engine, s.limiter,
		admission.WithLogger(s.logger),
		admission.WithLimits(limitsFromConfig(cfg)),
		admission.WithDecisionListener(s.onAdmissionDecision),
	)

	s.evaluator = policy.NewEvaluator(s.machine,
		policy.WithRiskEngine(s.engine),
		policy.WithLogger(s.logger),
	)

	s.processor = delivery.NewProcessor(deliveryStore,
		delivery.WithLogger(s.logger),
		delivery.WithIncidentSink(s.engine),
		delivery.WithPolicyHook(s.evaluator),
		delivery.WithEventListener(s.onDeliveryEvent),
	)

	// Notifications
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.emitter = notify.NewEmitter(s.dispatcher, s.logger)
	s.logger.Info("notifications enabled")

	// Background workers
	s.decayWorker = risk.NewDecayWorker(s.engine, s.riskStore, cfg.DecaySweepInterval, s.logger)
	s.sweepWorker = policy.NewSweepWorker(s.evaluator, s.restrictionStore, cfg.MaintenanceSweepInterval,
		policy.WithSweepLogger(s.logger))

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Health checks
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
	if redisStore != nil {
		s.healthReg.Register("redis", func(ctx context.Context) health.Status {
			if err := redisStore.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

	s.logger.Info("API authentication enabled")

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

// limitsFromConfig maps the env-driven bucket shapes onto the admission
// limits, keeping the default tier scale.
func limitsFromConfig(cfg *config.Config) admission.Limits {
	l := admission.DefaultLimits()
	l.GlobalCapacity = cfg.GlobalCapacity
	l.GlobalRefill = float64(cfg.GlobalRefill)
	l.SenderCapacity = cfg.SenderCapacity
	l.SenderRefill = float64(cfg.SenderRefill)
	l.KlienCapacity = cfg.KlienCapacity
	l.KlienRefill = float64(cfg.KlienRefill)
	l.CampaignCapacity = cfg.CampaignCapacity
	l.CampaignRefill = float64(cfg.CampaignRefill)
	return l
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
// Event fan-out
// -----------------------------------------------------------------------------

// onRestrictionTransition pushes committed status changes to subscribers.
func (s *Server) onRestrictionTransition(klienID string, from, to restriction.Status, reason string) {
	if s.emitter != nil {
		s.emitter.EmitRestrictionTransition(klienID, string(from), string(to), reason)
	}
	if s.realtimeHub != nil {
		s.realtimeHub.BroadcastRestriction(map[string]interface{}{
			"klienId": klienID,
			"from":    string(from),
			"to":      string(to),
			"reason":  reason,
		})
	}
}

// onAdmissionDecision streams every decision and notifies the klien on
// denials.
func (s *Server) onAdmissionDecision(req admission.Request, d *admission.Decision) {
	if s.realtimeHub != nil {
		s.realtimeHub.BroadcastAdmission(map[string]interface{}{
			"klienId":            req.KlienID,
			"senderId":           req.SenderID,
			"campaignId":         req.CampaignID,
			"amount":             req.Amount,
			"allowed":            d.Allowed,
			"denyReason":         d.DenyReason,
			"throttleMultiplier": d.ThrottleMultiplier,
		})
	}
	if !d.Allowed && s.emitter != nil {
		s.emitter.EmitAdmissionDenied(req.KlienID, req.SenderID, req.CampaignID, d.DenyReason, d.WaitSeconds)
	}
}

// onDeliveryEvent streams accepted delivery events and notifies the klien
// on permanent failures.
func (s *Server) onDeliveryEvent(ev *delivery.DeliveryEvent) {
	if s.realtimeHub != nil {
		s.realtimeHub.BroadcastDelivery(map[string]interface{}{
			"klienId":           ev.KlienID,
			"providerMessageId": ev.ProviderMessageID,
			"type":              string(ev.Type),
			"errorCode":         ev.ErrorCode,
			"errorClass":        string(ev.ErrorClass),
		})
	}
	if ev.ErrorClass == delivery.ClassPermanent && s.emitter != nil {
		s.emitter.EmitDeliveryFailed(ev.KlienID, ev.ProviderMessageID, ev.ErrorCode, string(ev.ErrorClass))
	}
}

// onRiskLevelChange streams level moves and notifies the owning klien.
func (s *Server) onRiskLevelChange(p *risk.Profile, from, to risk.Level) {
	if s.realtimeHub != nil {
		s.realtimeHub.BroadcastRiskUpdate(map[string]interface{}{
			"klienId":    p.KlienID,
			"entityType": string(p.EntityType),
			"entityId":   p.EntityID,
			"from":       string(from),
			"to":         string(to),
			"score":      p.Score,
		})
	}
	if p.KlienID != "" && s.emitter != nil {
		s.emitter.EmitRiskLevelChanged(p.KlienID, string(p.EntityType), p.EntityID, string(from), string(to), p.Score)
	}
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

	// Per-IP rate limiting on the API surface itself
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitPerMinute
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

// verifyWebhookSignature checks the provider callback HMAC when a webhook
// secret is configured. The body is restored for the handler.
func (s *Server) verifyWebhookSignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.WebhookSecret == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Failed to read request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		expected := notify.Sign(body, s.cfg.WebhookSecret)
		provided := c.GetHeader("X-Webhook-Signature")
		if !hmac.Equal([]byte(provided), []byte(expected)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :klienId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.KlienParamMiddleware())

	bucketHandler := bucket.NewHandler(s.limiter)
	riskHandler := risk.NewHandler(s.engine)
	restrictionHandler := restriction.NewHandler(s.machine)
	admissionHandler := admission.NewHandler(s.admission)
	deliveryHandler := delivery.NewHandler(s.processor)
	policyHandler := policy.NewHandler(s.evaluator)
	notifyHandler := notify.NewHandler(s.notifyStore)
	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no API key required)
	v1.GET("/auth/info", authHandler.Info)
	v1.GET("/policy/thresholds", policyHandler.Thresholds)

	// Provider delivery callbacks, HMAC-verified when WEBHOOK_SECRET is set
	ingest := v1.Group("")
	ingest.Use(s.verifyWebhookSignature())
	deliveryHandler.RegisterIngestRoute(ingest)

	// ONBOARDING (public but returns API key)
	v1.POST("/kliens", s.registerKlienWithAPIKey)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		admissionHandler.RegisterRoutes(protected)
		bucketHandler.RegisterRoutes(protected)
		riskHandler.RegisterRoutes(protected)
		restrictionHandler.RegisterRoutes(protected)
		deliveryHandler.RegisterRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentKlien)
	}

	// KLIEN-SCOPED ROUTES (must own the klien in the path)
	owned := v1.Group("")
	owned.Use(auth.Middleware(s.authMgr), auth.RequireOwnership(s.authMgr, "klienId"))
	{
		deliveryHandler.RegisterKlienRoutes(owned)
		notifyHandler.RegisterRoutes(owned)
	}

	// ADMIN ROUTES (operator tooling behind the admin secret)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		bucketHandler.RegisterAdminRoutes(admin)
		riskHandler.RegisterAdminRoutes(admin)
		restrictionHandler.RegisterAdminRoutes(admin)
		policyHandler.RegisterAdminRoutes(admin)
	}
}

// registerKlienWithAPIKey handles POST /v1/kliens
// Onboards a klien (active, full capabilities) and returns its API key
func (s *Server) registerKlienWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		KlienID string `json:"klienId" binding:"required"`
		Tier    string `json:"tier"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	klienID := validation.SanitizeID(req.KlienID)
	if !validation.IsValidID(klienID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_klien_id",
			"message": "klienId must be 1-64 chars: letters, digits, '_', '.', '-'",
		})
		return
	}

	tier := restriction.TierUMKM
	if req.Tier != "" {
		t := restriction.Tier(req.Tier)
		if !t.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tier",
				"message": "tier must be one of: umkm, corporate, enterprise",
			})
			return
		}
		tier = t
	}

	// Refuse to re-onboard: an existing record means keys were already
	// issued for this klien.
	if _, err := s.machine.Get(ctx, klienID); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "klien_exists",
			"message": "A klien with this id is already registered",
		})
		return
	} else if !errors.Is(err, restriction.ErrNotFound) {
		s.logger.Error("failed to check klien", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register klien",
		})
		return
	}

	record, err := s.machine.GetOrCreate(ctx, klienID, tier)
	if err != nil {
		s.logger.Error("failed to create klien", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register klien",
		})
		return
	}

	name := req.Name
	if name == "" {
		name = "Primary key"
	}
	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, klienID, name)
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"klien":   record,
			"warning": "Klien registered but API key generation failed. Contact support.",
		})
		return
	}

	s.logger.Info("klien registered with API key",
		"klien_id", klienID,
		"tier", tier,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"klien":   record,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "BlastGate",
		"description": "Admission control and trust scoring for bulk messaging",
		"version":     "0.1.0",
	})
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
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start risk decay sweeper
	if s.decayWorker != nil {
		go s.decayWorker.Start(runCtx)
	}

	// Start restriction maintenance sweeper
	if s.sweepWorker != nil {
		go s.sweepWorker.Start(runCtx)
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

	// Cancel the context for all background goroutines (hub, workers)
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

	// Stop workers
	if s.decayWorker != nil {
		s.decayWorker.Stop()
		s.logger.Info("risk decay worker stopped")
	}
	if s.sweepWorker != nil {
		s.sweepWorker.Stop()
		s.logger.Info("maintenance sweep worker stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
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
