// Package httpapi wires the Gin engine: global middleware, the API group
// with identity, idempotency and rate limiting, and the negotiation,
// confirmation and live-session handlers built from injected backends.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/config"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/http/handlers"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/http/middleware"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/services"
)

// conversationRepoShim adapts the repository free functions to the
// services.ConversationRepo interface expected by the ConversationService.
type conversationRepoShim struct{}

// EnsureConversation proxies repo.EnsureConversation.
func (conversationRepoShim) EnsureConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) (*domain.Conversation, bool, error) {
	return repo.EnsureConversation(ctx, db, c)
}

// GetConversationFor proxies repo.GetConversationFor.
func (conversationRepoShim) GetConversationFor(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	return repo.GetConversationFor(ctx, db, id, userID)
}

// CountConversations proxies repo.CountConversations (pagination support).
func (conversationRepoShim) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountConversations(ctx, db, userID)
}

// ListConversationsPage proxies repo.ListConversationsPage (pagination support).
func (conversationRepoShim) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, userID, offset, limit)
}

// UpdateSelection proxies repo.UpdateSelection.
func (conversationRepoShim) UpdateSelection(ctx context.Context, db *gorm.DB, id string, sel []bucket.Entry) error {
	return repo.UpdateSelection(ctx, db, id, sel)
}

// Backends are the long-lived collaborators owned by the process: the
// real-time hub, the publisher services write to (the hub itself or a NATS
// bridge in front of it), the typing tracker and the OTP gate.
type Backends struct {
	Hub       *realtime.Hub
	Publisher realtime.Publisher
	Typing    *realtime.Typing
	Gate      *otp.Gate
	Locks     *services.KeyedMutex
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), compression, CORS
// and security headers, health and metrics endpoints, and then mounts the
// versioned public API under /api/v* behind identity, idempotency and rate
// limiting.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Gzip (live endpoints excluded)
//  8. CORS and Security headers
//  9. API group: Identity → Idempotency validator → Rate limiter
func RegisterRoutes(r *gin.Engine, db *gorm.DB, b Backends, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compression; streaming endpoints must stay unbuffered
	if cfg.GzipEnabled {
		r.Use(gzip.Gzip(gzip.DefaultCompression,
			gzip.WithExcludedPathsRegexs([]string{`/ws$`, `/events$`, `^/metrics$`}),
		))
	}

	// 8) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
		middleware.HeaderUserID, middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed", "Retry-After", "Location"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := originSet(cfg.CORS.AllowedOrigins)
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		NoStore:       false,
		EnablePolicy:  true,
		ExposeHeaders: []string{"ETag", "Idempotency-Replayed", "Retry-After"},
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/hub/gate
	h := handlers.New(buildDeps(db, b, cfg))

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"
	api.Use(middleware.Identity(middleware.IdentityOptions{
		Secret: cfg.JWTSecret,
		// Browsers cannot set headers on websocket or EventSource requests.
		AllowQuery: true,
	}))
	api.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen:  200,
			ScopeOf: idempotencyScope,
		},
		func(ctx context.Context, userID, conversationID, scope, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, conversationID, scope, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return rec != nil, err
		},
	))
	rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
		RPS:        cfg.RateRPS,
		Burst:      cfg.RateBurst,
		WriteRPS:   cfg.RateRPS / 2,
		WriteBurst: cfg.RateBurst / 2,
		Key:        middleware.KeyByUserOrIP(),
	})
	api.Use(rl.Handler())

	h.Register(api)
}

// buildDeps assembles the application services from configuration.
func buildDeps(db *gorm.DB, b Backends, cfg config.Config) handlers.Deps {
	locks := b.Locks
	if locks == nil {
		locks = services.NewKeyedMutex()
	}
	pub := b.Publisher
	if pub == nil && b.Hub != nil {
		pub = b.Hub
	}

	rules := negotiation.DefaultRules()
	if len(cfg.Negotiation.Ports) > 0 {
		rules.Ports = negotiation.NewPorts(cfg.Negotiation.Ports)
	}
	if cfg.Negotiation.MinDownPayment > 0 {
		rules.MinDownPayment = decimal.NewFromFloat(cfg.Negotiation.MinDownPayment)
	}

	neg := services.NewNegotiationService(db, pub, locks)
	neg.Rules = rules
	if cfg.Negotiation.HistoryLimit > 0 {
		neg.HistoryLimit = cfg.Negotiation.HistoryLimit
	}
	msgs := &services.MessageService{
		DB:              db,
		Publisher:       pub,
		Tracker:         b.Typing,
		Locks:           locks,
		MaxContentRunes: cfg.Negotiation.MaxContentRunes,
	}

	d := handlers.Deps{
		Conversations:  services.NewConversationService(db, conversationRepoShim{}),
		Negotiation:    neg,
		Messages:       msgs,
		DB:             db,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Ports:          rules.Ports.Names(),
	}
	if b.Gate != nil {
		d.Confirmation = &services.ConfirmationService{DB: db, Gate: b.Gate, Publisher: pub, Locks: locks}
	}
	if b.Hub != nil {
		d.Live = handlers.LiveOptions{
			Hub: b.Hub,
			NewSession: func(userID, conversationID string) realtime.Session {
				return &services.Session{UserID: userID, ConversationID: conversationID, Negotiation: neg, Messages: msgs}
			},
			ReconnectHint: cfg.Realtime.ReconnectHint,
			PollInterval:  cfg.Realtime.PollIntervalHint,
			CheckOrigin:   checkOrigin(cfg.CORS.AllowedOrigins),
		}
	}
	return d
}

// idempotencyScope names what a POST creates so replays are looked up in the
// right namespace.
func idempotencyScope(c *gin.Context) string {
	if c.Request.Method != http.MethodPost {
		return ""
	}
	switch p := c.FullPath(); {
	case strings.HasSuffix(p, "/messages"):
		return domain.ScopeMessage
	case strings.HasSuffix(p, "/proposals"):
		return domain.ScopeProposal
	}
	return ""
}

// checkOrigin applies the CORS allowlist to websocket upgrades. Requests
// without an Origin header come from non-browser clients and pass.
func checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := originSet(origins)
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		if o == "" {
			return true
		}
		_, ok := allowed[o]
		return ok
	}
}

func originSet(origins []string) map[string]struct{} {
	m := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		m[o] = struct{}{}
	}
	return m
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
