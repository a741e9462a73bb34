package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes configures the chi router with every application route.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/healthz", s.healthzHandler)
	r.Get("/test", TestPageHandler)
	r.Get("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}).ServeHTTP)

	r.HandleFunc("/ws", s.webSocketHandler(s.hub))
	r.HandleFunc("/ws/raw", s.webSocketHandler(s.raw))

	r.Route("/broadcast", func(r chi.Router) {
		r.Get("/", s.broadcastPageHandler)
		r.Post("/send", s.broadcastSendHandler)
	})
	return r
}
