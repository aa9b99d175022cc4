// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting, and mounts the realtime
// endpoints (websocket + SSE) next to the REST API.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/config"
	"github.com/tbourn/go-handoff-backend/internal/domain"
	"github.com/tbourn/go-handoff-backend/internal/http/handlers"
	"github.com/tbourn/go-handoff-backend/internal/http/middleware"
	"github.com/tbourn/go-handoff-backend/internal/repo"
	"github.com/tbourn/go-handoff-backend/internal/services"
	"github.com/tbourn/go-handoff-backend/internal/stream"
	"github.com/tbourn/go-handoff-backend/internal/ws"
)

// dialogRepoShim adapts the repository free functions to the dialog-facing
// service interfaces (services.DialogRepo, services.DialogStore,
// services.ActiveAssignmentCounter). This keeps services decoupled from the
// concrete repo package while reusing existing functions.
type dialogRepoShim struct{}

// CreateDialog proxies repo.CreateDialog.
func (dialogRepoShim) CreateDialog(ctx context.Context, db *gorm.DB, assistantID string) (*domain.Dialog, error) {
	return repo.CreateDialog(ctx, db, assistantID)
}

// GetDialog proxies repo.GetDialog.
func (dialogRepoShim) GetDialog(ctx context.Context, db *gorm.DB, id string) (*domain.Dialog, error) {
	return repo.GetDialog(ctx, db, id)
}

// GetDialogForUpdate proxies repo.GetDialogForUpdate.
func (dialogRepoShim) GetDialogForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Dialog, error) {
	return repo.GetDialogForUpdate(ctx, tx, id)
}

// SaveDialogHandoff proxies repo.SaveDialogHandoff.
func (dialogRepoShim) SaveDialogHandoff(ctx context.Context, tx *gorm.DB, d *domain.Dialog) error {
	return repo.SaveDialogHandoff(ctx, tx, d)
}

// ListRequestedDialogs proxies repo.ListRequestedDialogs.
func (dialogRepoShim) ListRequestedDialogs(ctx context.Context, db *gorm.DB) ([]domain.Dialog, error) {
	return repo.ListRequestedDialogs(ctx, db)
}

// QueuePosition proxies repo.QueuePosition.
func (dialogRepoShim) QueuePosition(ctx context.Context, db *gorm.DB, dialogID string) (int, error) {
	return repo.QueuePosition(ctx, db, dialogID)
}

// CountAssignedActive proxies repo.CountAssignedActive.
func (dialogRepoShim) CountAssignedActive(ctx context.Context, db *gorm.DB, operatorID string) (int64, error) {
	return repo.CountAssignedActive(ctx, db, operatorID)
}

// presenceRepoShim adapts the presence free functions to
// services.PresenceRepo and services.PresenceLockRepo.
type presenceRepoShim struct{}

// UpsertPresence proxies repo.UpsertPresence.
func (presenceRepoShim) UpsertPresence(ctx context.Context, db *gorm.DB, operatorID, status string, name *string, capacity *int, now time.Time) (*domain.OperatorPresence, error) {
	return repo.UpsertPresence(ctx, db, operatorID, status, name, capacity, now)
}

// GetPresence proxies repo.GetPresence.
func (presenceRepoShim) GetPresence(ctx context.Context, db *gorm.DB, operatorID string) (*domain.OperatorPresence, error) {
	return repo.GetPresence(ctx, db, operatorID)
}

// GetPresenceForUpdate proxies repo.GetPresenceForUpdate.
func (presenceRepoShim) GetPresenceForUpdate(ctx context.Context, tx *gorm.DB, operatorID string) (*domain.OperatorPresence, error) {
	return repo.GetPresenceForUpdate(ctx, tx, operatorID)
}

// AdjustActiveChats proxies repo.AdjustActiveChats.
func (presenceRepoShim) AdjustActiveChats(ctx context.Context, tx *gorm.DB, operatorID string, delta int) error {
	return repo.AdjustActiveChats(ctx, tx, operatorID, delta)
}

// SetActiveChats proxies repo.SetActiveChats.
func (presenceRepoShim) SetActiveChats(ctx context.Context, db *gorm.DB, operatorID string, count int) error {
	return repo.SetActiveChats(ctx, db, operatorID, count)
}

// MarkStaleOffline proxies repo.MarkStaleOffline.
func (presenceRepoShim) MarkStaleOffline(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	return repo.MarkStaleOffline(ctx, db, cutoff)
}

// ListPresence proxies repo.ListPresence.
func (presenceRepoShim) ListPresence(ctx context.Context, db *gorm.DB) ([]domain.OperatorPresence, error) {
	return repo.ListPresence(ctx, db)
}

// auditRepoShim adapts the audit free functions to services.AuditRepo and
// services.AuditLog.
type auditRepoShim struct{}

// AppendAudit proxies repo.AppendAudit.
func (auditRepoShim) AppendAudit(ctx context.Context, tx *gorm.DB, entry *domain.HandoffAudit) (*domain.HandoffAudit, error) {
	return repo.AppendAudit(ctx, tx, entry)
}

// CountRecentRequests proxies repo.CountRecentRequests.
func (auditRepoShim) CountRecentRequests(ctx context.Context, db *gorm.DB, dialogID string, since time.Time) (int64, error) {
	return repo.CountRecentRequests(ctx, db, dialogID, since)
}

// CountAudit proxies repo.CountAudit.
func (auditRepoShim) CountAudit(ctx context.Context, db *gorm.DB, dialogID string) (int64, error) {
	return repo.CountAudit(ctx, db, dialogID)
}

// ListAuditPage proxies repo.ListAuditPage.
func (auditRepoShim) ListAuditPage(ctx context.Context, db *gorm.DB, dialogID string, offset, limit int) ([]domain.HandoffAudit, error) {
	return repo.ListAuditPage(ctx, db, dialogID, offset, limit)
}

// messageRepoShim adapts the message free functions to services.MessageRepo
// and services.MessageLog.
type messageRepoShim struct{}

// CreateMessage proxies repo.CreateMessage.
func (messageRepoShim) CreateMessage(db *gorm.DB, dialogID, role, content string) (*domain.Message, error) {
	return repo.CreateMessage(db, dialogID, role, content)
}

// CountMessages proxies repo.CountMessages.
func (messageRepoShim) CountMessages(db *gorm.DB, dialogID string) (int64, error) {
	return repo.CountMessages(db, dialogID)
}

// ListMessagesPage proxies repo.ListMessagesPage.
func (messageRepoShim) ListMessagesPage(db *gorm.DB, dialogID string, offset, limit int) ([]domain.Message, error) {
	return repo.ListMessagesPage(db, dialogID, offset, limit)
}

// ledgerShim adapts the handoff-request free functions to
// services.RequestLedger.
type ledgerShim struct{}

// GetHandoffRequest proxies repo.GetHandoffRequest.
func (ledgerShim) GetHandoffRequest(ctx context.Context, db *gorm.DB, dialogID, requestID string) (*domain.HandoffRequest, error) {
	return repo.GetHandoffRequest(ctx, db, dialogID, requestID)
}

// CreateHandoffRequest proxies repo.CreateHandoffRequest.
func (ledgerShim) CreateHandoffRequest(ctx context.Context, db *gorm.DB, dialogID, requestID, status string) (*domain.HandoffRequest, error) {
	return repo.CreateHandoffRequest(ctx, db, dialogID, requestID, status)
}

// NewHub builds the realtime connection manager bound to the shared event
// store/bus and the dialog lookup. main starts its Run loop next to the HTTP
// server.
func NewHub(db *gorm.DB, store stream.Store, bus stream.Bus, events stream.Publisher, cfg config.Config, lg zerolog.Logger) *ws.Hub {
	return ws.NewHub(cfg.Realtime, cfg.Delivery, cfg.Auth, store, bus, events,
		dialogLookup{db: db}, cfg.Stream.ReplayTailLimit, lg)
}

// dialogLookup gives the connection manager dialog existence/ownership checks
// without handing it the whole repo surface.
type dialogLookup struct{ db *gorm.DB }

// GetDialog proxies repo.GetDialog on the injected handle.
func (l dialogLookup) GetDialog(ctx context.Context, id string) (*domain.Dialog, error) {
	return repo.GetDialog(ctx, l.db, id)
}

// NewPresenceService builds a presence service over the shared shims so main
// can run the auto-offline sweep without re-declaring repo adapters.
func NewPresenceService(db *gorm.DB, cfg config.Config, lg zerolog.Logger) *services.PresenceService {
	return services.NewPresenceService(db, presenceRepoShim{}, dialogRepoShim{}, cfg.Presence, lg)
}

// Deps carries the non-DB dependencies RegisterRoutes injects into services.
type Deps struct {
	// Store is the durable per-dialog event log (memory or Redis streams).
	Store stream.Store
	// Events is the single write path for stream events.
	Events stream.Publisher
	// Notifier receives best-effort out-of-band handoff notifications.
	Notifier services.Notifier
	// Hub serves the websocket and SSE realtime endpoints.
	Hub *ws.Hub
	// Log is the base logger services derive theirs from.
	Log zerolog.Logger
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting, CORS
// and security headers, health and metrics endpoints, and then mounts the
// versioned public API plus the realtime endpoints.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with credential scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Site-Token", // embeddable-widget credential
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Site-Token", "X-Assistant-ID", "Last-Event-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
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
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Site-Token", "X-Assistant-ID", "Last-Event-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
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

	// Dependency injection: services ← repo/db/stream
	handoffSvc := services.NewHandoffService(db,
		dialogRepoShim{}, presenceRepoShim{}, auditRepoShim{}, messageRepoShim{}, ledgerShim{},
		deps.Events, deps.Notifier, cfg.Handoff, cfg.Presence, deps.Log)
	presenceSvc := services.NewPresenceService(db, presenceRepoShim{}, dialogRepoShim{}, cfg.Presence, deps.Log)
	dialogSvc := services.NewDialogService(db, dialogRepoShim{}, auditRepoShim{}, messageRepoShim{}, deps.Events)

	h := handlers.New(handoffSvc, presenceSvc, dialogSvc, deps.Store)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Dialogs
		api.POST("/dialogs", h.CreateDialog)
		api.GET("/dialogs/:id", h.GetDialog)
		api.POST("/dialogs/:id/messages", h.PostMessage)
		api.GET("/dialogs/:id/messages", h.ListMessages)
		api.GET("/dialogs/:id/audit", h.ListAudit)
		api.GET("/dialogs/:id/events", h.ReplayEvents)

		// Handoff state machine
		api.POST("/dialogs/:id/handoff/request", h.RequestHandoff)
		api.POST("/dialogs/:id/handoff/takeover", h.TakeoverHandoff)
		api.POST("/dialogs/:id/handoff/release", h.ReleaseHandoff)
		api.POST("/dialogs/:id/handoff/cancel", h.CancelHandoff)
		api.POST("/dialogs/:id/handoff/force-reset", h.ForceResetHandoff)
		api.GET("/dialogs/:id/handoff", h.GetHandoffStatus)
		api.GET("/handoff/queue", h.GetHandoffQueue)

		// Operator presence
		api.POST("/operators/:id/heartbeat", h.Heartbeat)
		api.GET("/operators", h.ListOperators)
		api.GET("/operators/:id", h.GetOperator)
		api.GET("/operators/:id/availability", h.GetAvailability)
		api.POST("/operators/:id/sync", h.SyncOperator)

		// Realtime transports
		if deps.Hub != nil {
			api.GET("/dialogs/:id/ws", deps.Hub.HandleWS)
			api.GET("/dialogs/:id/events/stream", deps.Hub.HandleSSE)
		}
	}
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
