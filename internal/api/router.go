package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/ratelimit"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.throttleMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	r.With(s.optionalAuth).Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	wsPath := s.cfg.WebSocket.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.With(s.wsAuth).Get(wsPath, s.handleWebSocket)

	r.Route("/auth", func(r chi.Router) {
		// Public, limited by failure class
		r.With(s.rateLimited(ratelimit.ClassLogin)).Post("/login", s.handleLogin)
		r.With(s.rateLimited(ratelimit.ClassPIN)).Post("/pin-login", s.handlePinLogin)
		r.With(s.rateLimited(ratelimit.ClassRefresh)).Post("/refresh", s.handleRefresh)
		if s.cfg.Security.Demo.Enabled && !s.cfg.IsProduction() {
			r.With(s.rateLimited(ratelimit.ClassLogin)).Post("/demo-login", s.handleDemoLogin)
		}

		// The station class wraps authentication, so forged or stolen
		// manager tokens count against the window too.
		r.With(
			s.rateLimited(ratelimit.ClassStation),
			s.requireAuth,
			s.requireScopes(auth.ScopeStaffManage),
			s.requireTenant,
			s.checkRevoked,
		).Post("/station-login", s.handleStationLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/me", s.handleMe)
			r.With(s.requireAllScopes(auth.ScopeReportsRead, auth.ScopeStaffManage), s.requireTenant).Get("/events", s.handleListEvents)

			r.Group(func(r chi.Router) {
				r.Use(s.checkRevoked)

				r.Post("/logout", s.handleLogout)
				r.Post("/set-pin", s.handleSetPin)

				r.Group(func(r chi.Router) {
					r.Use(s.requireScopes(auth.ScopeStaffManage), s.requireTenant)
					r.Post("/revoke-stations", s.handleRevokeStations)
					r.Post("/stations/{id}/revoke", s.handleRevokeStation)
				})
			})

			r.With(s.requireScopes(auth.ScopeStaffManage), s.requireTenant).Get("/stations", s.handleListStations)
		})
	})

	return r
}
