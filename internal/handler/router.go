package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradeskill/marketplace-chat/internal/middleware"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

// RouterConfig collects what the HTTP surface needs.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Chats    *ChatHandler
	Messages *MessageHandler
	Health   *HealthHandler
	// Live serves GET /ws. It authenticates the upgrade itself.
	Live http.Handler

	Logger *logger.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	if cfg.Live != nil {
		r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).Handle("/ws", cfg.Live)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/chats", func(r chi.Router) {
			r.Post("/", cfg.Chats.Create)
			r.Get("/", cfg.Chats.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Chats.Get)
				r.Post("/archive", cfg.Chats.Archive)
				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.Send)
				r.Post("/images", cfg.Messages.UploadImage)
				r.Post("/read", cfg.Messages.MarkRead)
			})
		})

		r.Delete("/messages/{id}", cfg.Messages.Delete)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Get("/chats", cfg.Chats.AdminList)
			r.Get("/chats/{id}/messages", cfg.Chats.AdminMessages)
		})
	})

	return r
}
