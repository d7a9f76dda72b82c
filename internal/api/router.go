package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/api/middleware"
	"github.com/communicationx/realtime/internal/handlers"
	"github.com/communicationx/realtime/internal/transport"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, ws *transport.Server, limiter *middleware.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(limiter.Middleware)

	// CORS - the web app and this service sit on different origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/presence/{id}", h.GetPresence)

	// WebSocket entry point; identity arrives in the auth frame
	r.Get("/ws", ws.HandleWS)

	// Routes acting on behalf of a verified user
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)

		r.Post("/calls", h.CreateCall)
		r.Get("/calls/active", h.ActiveCall)
		r.Get("/calls/{id}", h.GetCall)
		r.Post("/calls/{id}/accept", h.AcceptCall)
		r.Post("/calls/{id}/decline", h.DeclineCall)
		r.Post("/calls/{id}/leave", h.LeaveCall)
		r.Post("/calls/{id}/end", h.EndCall)

		r.Post("/channels/{id}/messages", h.PostChannelMessage)
		r.Get("/channels/{id}/messages", h.GetChannelMessages)
		r.Post("/dms/{id}", h.SendDM)
		r.Post("/messages/{id}/read", h.MarkMessageRead)
		r.Post("/messages/{id}/delivered", h.MarkMessageDelivered)
		r.Get("/messages/{id}/status", h.GetMessageStatus)

		r.Put("/presence/status", h.SetStatus)
	})

	return r
}
