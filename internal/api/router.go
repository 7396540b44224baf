package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/jobs"
	"github.com/sceneforge-io/sceneforge/server/internal/notification"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
	"github.com/sceneforge-io/sceneforge/server/internal/webhook"
	"github.com/sceneforge-io/sceneforge/server/internal/websocket"
)

// RouterConfig holds every dependency the HTTP layer needs. Populated in
// main.go after all components are initialised.
type RouterConfig struct {
	AuthService   *auth.Service
	APIKeyService *auth.APIKeyService
	JWTManager    *auth.JWTManager
	Jobs          *jobs.Service
	Notifications *notification.Service
	WebhookEngine *webhook.Engine
	Hub           *websocket.Hub
	Bridge        WorkerBridge
	Logger        *zap.Logger

	// Repositories used directly by handlers without service-layer logic.
	Users    repositories.UserRepository
	Workers  repositories.WorkerRepository
	APIKeys  repositories.APIKeyRepository
	Webhooks repositories.WebhookRepository
	Events   repositories.EventRepository
	Locks    repositories.LockRepository
	Settings repositories.SettingsRepository

	// Secure controls the Secure flag on auth cookies. True in production
	// behind HTTPS.
	Secure bool
}

// NewRouter builds the fully configured chi router. All resources live
// under /api/v1; /healthz and /metrics sit at the root for probes and
// scrapers.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Logger)
	workerHandler := NewWorkerHandler(cfg.Workers, cfg.Bridge, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	apiKeyHandler := NewAPIKeyHandler(cfg.APIKeyService, cfg.APIKeys, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.WebhookEngine, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	eventHandler := NewEventHandler(cfg.Events, cfg.Logger)
	lockHandler := NewLockHandler(cfg.Locks, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Settings, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.JWTManager, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, envelope{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// Public routes.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// The WebSocket endpoint authenticates via query token inside the
		// handler, since browsers cannot set headers on the handshake.
		r.Get("/ws", wsHandler.Serve)

		// Authenticated routes: JWT Bearer or X-API-Key.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager, cfg.APIKeyService))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)
			r.Post("/auth/logout-all", authHandler.LogoutAll)
			r.Post("/auth/change-password", authHandler.ChangePassword)

			// Current user
			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Jobs
			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Get("/jobs/{id}/transitions", jobHandler.Transitions)
			r.Post("/jobs/{id}/cancel", jobHandler.Cancel)
			r.Post("/jobs/{id}/pause", jobHandler.Pause)
			r.Post("/jobs/{id}/resume", jobHandler.Resume)
			r.Post("/jobs/{id}/retry", jobHandler.Retry)
			r.Get("/queue", jobHandler.Queue)

			// Notifications
			r.Get("/notifications", notificationHandler.List)
			r.Get("/notifications/unread-count", notificationHandler.UnreadCount)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkRead)
			r.Patch("/notifications/read-all", notificationHandler.MarkAllRead)
			r.Get("/notifications/preferences", notificationHandler.Preferences)
			r.Put("/notifications/preferences", notificationHandler.PutPreference)
			r.Get("/notifications/settings", notificationHandler.Settings)
			r.Put("/notifications/settings", notificationHandler.PutSettings)

			// Collaboration
			r.Get("/locks", lockHandler.Mine)
			r.Post("/locks", lockHandler.Acquire)
			r.Delete("/locks/{id}", lockHandler.Release)
			r.Get("/presence", lockHandler.Presence)
			r.Post("/presence", lockHandler.Heartbeat)

			// Admin-only routes.
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				// Users & quotas
				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)
				r.Get("/users/{id}/quota", userHandler.GetQuota)
				r.Put("/users/{id}/quota", userHandler.PutQuota)

				// Drift verdicts come from the analysis pipeline, which
				// authenticates with an admin-scoped API key.
				r.Post("/jobs/{id}/drift", jobHandler.ReportDrift)

				// Workers
				r.Get("/workers", workerHandler.List)
				r.Post("/workers", workerHandler.Create)
				r.Get("/workers/{id}", workerHandler.GetByID)
				r.Patch("/workers/{id}", workerHandler.Update)
				r.Post("/workers/{id}/drain", workerHandler.Drain)
				r.Delete("/workers/{id}", workerHandler.Delete)

				// API keys
				r.Get("/apikeys", apiKeyHandler.List)
				r.Post("/apikeys", apiKeyHandler.Create)
				r.Post("/apikeys/{id}/rotate", apiKeyHandler.Rotate)
				r.Delete("/apikeys/{id}", apiKeyHandler.Revoke)

				// Webhooks
				r.Get("/webhooks", webhookHandler.List)
				r.Post("/webhooks", webhookHandler.Create)
				r.Get("/webhooks/{id}", webhookHandler.GetByID)
				r.Patch("/webhooks/{id}", webhookHandler.Update)
				r.Delete("/webhooks/{id}", webhookHandler.Delete)
				r.Get("/webhooks/{id}/deliveries", webhookHandler.Deliveries)
				r.Post("/webhooks/{id}/test", webhookHandler.Test)
				r.Post("/webhooks/deliveries/{id}/replay", webhookHandler.Replay)

				// Event log
				r.Get("/events", eventHandler.List)
				r.Get("/events/types", eventHandler.Types)

				// Server settings
				r.Get("/settings/smtp", settingsHandler.GetSMTP)
				r.Put("/settings/smtp", settingsHandler.PutSMTP)
				r.Delete("/settings/smtp", settingsHandler.DeleteSMTP)
			})
		})
	})

	return r
}
