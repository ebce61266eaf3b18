package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the router with the health check, WebSocket
// endpoint, test page, stats and metrics routes.
func (s *Server) SetupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.Get("/test", TestPageHandler)
	r.Get("/stats", s.StatsHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}
