package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/akinalp/carecall/config"
	"github.com/akinalp/carecall/middleware"
	"github.com/akinalp/carecall/services"
)

const requestTimeout = 15 * time.Second

// initRoutes mounts every endpoint and wraps the router with CORS.
//
// /ws is mounted outside the timeout group: browsers cannot set headers on
// the upgrade request, so the token travels as ?token= and the WebSocket
// handler checks it itself.
func initRoutes(h *Handlers, authService services.AuthService, cfg *config.Config) http.Handler {
	authMw := middleware.NewAuthMiddleware(authService)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/ws", h.WS.HandleConnection)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))

		// Public
		r.Get("/health", h.Health.Health)
		r.Get("/ice-servers", h.ICE.List)
		r.Post("/dev/token", h.Auth.DevToken)

		// Authenticated
		r.Group(func(r chi.Router) {
			r.Use(authMw.Require)

			r.Get("/me", h.Auth.Me)
			r.Get("/calls", h.Call.List)
			r.Get("/calls/{id}", h.Call.Get)
			r.Post("/sessions/{id}/fallback-token", h.Call.FallbackToken)
		})
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return corsHandler.Handler(r)
}
