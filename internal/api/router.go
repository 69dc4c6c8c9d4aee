package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/sync", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Registration is authenticated by a short-lived registration
		// token, checked inside the handler.
		r.Post("/register_client", s.handleRegisterClient)

		// The duplex channel authenticates in-band: the first frame on
		// the connection must be an auth frame.
		r.Get("/ws", s.handleWebSocket)

		// Bearer-token routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth", s.handleAuthCheck)
			r.Get("/entities", s.handleListEntities)
			r.Post("/call_service", s.handleCallService)
			r.Post("/revoke_client", s.handleRevokeClient)
			r.Get("/clients", s.handleListClients)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"clients":  s.store.Count(),
		"sessions": s.hub.SessionCount(),
	})
}
