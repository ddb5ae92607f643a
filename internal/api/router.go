package api

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/CaioWing/Watchtower/internal/api/device"
	"github.com/CaioWing/Watchtower/internal/api/ingest"
	"github.com/CaioWing/Watchtower/internal/api/management"
	"github.com/CaioWing/Watchtower/internal/api/middleware"
	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/service"
)

const maxIngestBody = 1 << 20

type RouterDeps struct {
	EventSvc       *service.EventService
	RetentionSvc   *service.RetentionService
	ExportSvc      *service.ExportService
	DeviceSvc      *service.DeviceService
	TelemetrySvc   *service.TelemetryService
	ScreenshotSvc  *service.ScreenshotService
	Users          domain.UserRepository
	JWTManager     *auth.JWTManager
	Metrics        *middleware.Metrics
	// IngestLimiter bounds ingestion per client IP and per key. Human and agent routes use
	// an in-memory bucket regardless.
	IngestLimiter  middleware.Limiter
	Live           http.Handler
	CORSOrigins    []string
	// TrustedProxies may set X-Forwarded-Proto.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.ForwardedProto(deps.TrustedProxies))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(deps.Metrics.Middleware())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	ingestHandler := ingest.NewHandler(deps.EventSvc)
	agentHandler := device.NewAgentHandler(deps.DeviceSvc, deps.TelemetrySvc, deps.ScreenshotSvc)
	authHandler := management.NewAuthHandler(deps.JWTManager, deps.Users, deps.EventSvc, deps.Logger)
	activityHandler := management.NewActivityHandler(deps.EventSvc)
	exportHandler := management.NewExportHandler(deps.ExportSvc, deps.Logger)
	policyHandler := management.NewPolicyHandler(deps.RetentionSvc)
	keyHandler := management.NewKeyHandler(deps.EventSvc)
	deviceHandler := management.NewDeviceHandler(deps.DeviceSvc, deps.TelemetrySvc, deps.ScreenshotSvc, deps.Logger)

	humanLimit := middleware.RateLimit(middleware.NewRateLimiter(30, 60), middleware.ByIP)
	agentLimit := middleware.RateLimit(middleware.NewRateLimiter(10, 20), middleware.ByIP)
	mgmtAuth := middleware.ManagementAuth(deps.JWTManager)
	adminOnly := middleware.RequireRole(domain.RoleAdmin)
	staff := middleware.RequireRole(domain.RoleAdmin, domain.RoleManager)

	r.Route("/api/v1", func(r chi.Router) {
		// Service-to-service ingestion, authenticated by HMAC over the raw body.
		r.With(
			middleware.RateLimit(deps.IngestLimiter, middleware.ByIP),
			middleware.RateLimit(deps.IngestLimiter, middleware.ByIngestKey),
			middleware.IngestAuth(deps.EventSvc, maxIngestBody),
		).Post("/activity-logs/ingest", ingestHandler.Ingest)

		// Signed links carry their own authentication.
		r.With(humanLimit).Get("/activity-logs/exports/{id}/download", exportHandler.Download)

		r.Group(func(r chi.Router) {
			r.Use(humanLimit)
			r.Post("/auth/login", authHandler.Login)

			r.Group(func(r chi.Router) {
				r.Use(mgmtAuth)
				r.Post("/auth/refresh", authHandler.Refresh)
				r.Post("/auth/logout", authHandler.Logout)
				r.Post("/enroll/request", deviceHandler.RequestEnrollment)

				r.Route("/activity-logs", func(r chi.Router) {
					r.Get("/", activityHandler.List)
					r.Get("/metrics", activityHandler.Metrics)
					r.Get("/types", activityHandler.Types)
					r.Get("/exports/{id}", exportHandler.Status)

					r.Group(func(r chi.Router) {
						r.Use(adminOnly)
						r.With(middleware.Emit(deps.EventSvc, domain.VerbCreate, "Export", "")).
							Post("/export", exportHandler.Create)
						r.Get("/policies/retention", policyHandler.List)
						r.With(middleware.Emit(deps.EventSvc, domain.VerbCreate, "RetentionPolicy", "")).
							Post("/policies/retention", policyHandler.Create)
						r.With(middleware.Emit(deps.EventSvc, domain.VerbOther, "RetentionPolicy", "")).
							Post("/policies/run", policyHandler.Run)
						r.Get("/policies/jobs/{id}", policyHandler.Job)
						r.With(middleware.Emit(deps.EventSvc, domain.VerbCreate, "IngestionKey", "")).
							Post("/keys", keyHandler.Create)
						r.With(middleware.Emit(deps.EventSvc, domain.VerbDelete, "IngestionKey", "keyID")).
							Delete("/keys/{keyID}", keyHandler.Revoke)
					})

					r.Get("/{id}", activityHandler.Get)
				})

				r.Route("/monitoring", func(r chi.Router) {
					r.Use(staff)
					r.Get("/devices", deviceHandler.List)
					r.With(adminOnly).Get("/devices/count", deviceHandler.Count)
					r.Get("/devices/{id}", deviceHandler.Get)
					r.With(middleware.Emit(deps.EventSvc, domain.VerbUpdate, "Device", "id")).
						Patch("/devices/{id}", deviceHandler.Update)
					r.With(middleware.Emit(deps.EventSvc, domain.VerbDelete, "Device", "id")).
						Delete("/devices/{id}", deviceHandler.Delete)
					r.Get("/devices/{id}/bindings", deviceHandler.Bindings)
					r.Get("/devices/{id}/heartbeats", deviceHandler.Heartbeats)
					r.Get("/devices/{id}/screenshots", deviceHandler.Screenshots)
					r.Get("/devices/{id}/idle-alerts", deviceHandler.IdleAlerts)
					r.Get("/screenshots/{id}/image", deviceHandler.ScreenshotImage)
					if deps.Live != nil {
						r.With(adminOnly).Method(http.MethodGet, "/live", deps.Live)
					}
				})
			})
		})

		// Agent API, authenticated by device token.
		r.Group(func(r chi.Router) {
			r.Use(agentLimit)
			r.Post("/enroll/complete", agentHandler.Enroll)

			r.Group(func(r chi.Router) {
				r.Use(middleware.DeviceAuth(deps.DeviceSvc))
				r.Post("/ingest/heartbeat", agentHandler.Heartbeat)
				r.Post("/ingest/screenshot", agentHandler.Screenshot)
				r.Get("/agent/context", agentHandler.Context)
			})
		})
	})

	return r
}
