package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gwi.com/chat-shell/internal/metrics"
)

func NewRouter(apiHandler *APIHandler, m *metrics.Metrics, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(apiHandler.logger.Named("http"), m))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Get("/state", apiHandler.GetStateHandler)
		r.Get("/ws", apiHandler.StateStreamHandler)
		r.Put("/state/current-session", apiHandler.SetCurrentSessionHandler)
		r.Put("/state/title", apiHandler.SetTitleHandler)
		r.Patch("/state/flags", apiHandler.SetFlagsHandler)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", apiHandler.ListMessagesHandler)
			r.Put("/", apiHandler.SetMessagesHandler)
			r.Post("/", apiHandler.AddMessageHandler)
			r.Delete("/", apiHandler.ClearMessagesHandler)
			r.Patch("/{messageID}", apiHandler.UpdateMessageHandler)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", apiHandler.ListSessionsHandler)
			r.Put("/", apiHandler.SetSessionsHandler)
			r.Post("/", apiHandler.AddSessionHandler)
			r.Delete("/", apiHandler.ClearAllSessionsHandler)
			r.Post("/start", apiHandler.StartSessionHandler)
			r.Patch("/{sessionID}", apiHandler.UpdateSessionHandler)
			r.Delete("/{sessionID}", apiHandler.RemoveSessionHandler)
		})
	})

	return r
}
