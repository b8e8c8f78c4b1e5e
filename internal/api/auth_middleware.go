package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/events"
	"github.com/tableside/auth-core/internal/ratelimit"
)

// wsTokenParam carries the bearer token on the WebSocket handshake, where
// browsers cannot set headers. wsTenantParam stands in for the tenant header.
const (
	wsTokenParam  = "token"
	wsTenantParam = "restaurant_id"
)

// principalFrom returns the principal stored by the auth middleware, or an
// anonymous one.
func principalFrom(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(ctxKeyPrincipal).(*auth.Principal); ok && p != nil {
		return p
	}
	return auth.Anonymous()
}

func withPrincipal(r *http.Request, p *auth.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal, p))
}

func (s *Server) requestContext(r *http.Request) auth.RequestContext {
	return auth.RequestContext{ClientIP: s.clientIP(r), UserAgent: r.UserAgent()}
}

func tenantHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderRestaurantID))
}

// authenticate verifies raw and binds the principal to the request's tenant.
func (s *Server) authenticate(r *http.Request, raw, tenant string) (*auth.Principal, error) {
	p, err := s.validator.Authenticate(r.Context(), raw, s.requestContext(r))
	if err != nil {
		return nil, err
	}
	return s.access.Resolve(r.Context(), p, tenant)
}

func (s *Server) logAuthFailure(r *http.Request, stage string, err error) {
	args := []any{
		"stage", stage,
		"reason", auth.Reason(err),
		"path", r.URL.Path,
		"client_ip", s.clientIP(r),
		"request_id", requestIDFrom(r.Context()),
	}
	if auth.Reason(err) == "internal" {
		s.logger.Error("auth pipeline error", append(args, "error", err)...)
		return
	}
	s.logger.Warn("auth rejected", args...)
}

// requireAuth is the strict variant: any validation failure ends the request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := auth.ExtractBearer(r)
		if err != nil {
			s.logAuthFailure(r, "extract", err)
			writeAuthError(w, err)
			return
		}
		p, err := s.authenticate(r, raw, tenantHeader(r))
		if err != nil {
			s.logAuthFailure(r, "authenticate", err)
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, withPrincipal(r, p))
	})
}

// optionalAuth degrades to an anonymous principal instead of failing.
func (s *Server) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.Anonymous()
		if raw, err := auth.ExtractBearer(r); err == nil {
			if resolved, err := s.authenticate(r, raw, tenantHeader(r)); err == nil {
				p = resolved
			} else {
				s.logger.Debug("optional auth fell back to anonymous", "reason", auth.Reason(err), "path", r.URL.Path)
			}
		}
		next.ServeHTTP(w, withPrincipal(r, p))
	})
}

// wsAuth authenticates a WebSocket handshake from the token query parameter.
// Connections without a token are refused unless the service runs in
// development with websocket.allow_anonymous_dev set. A token that is
// present but invalid is always refused.
func (s *Server) wsAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tenant := tenantHeader(r)
		if tenant == "" {
			tenant = strings.TrimSpace(q.Get(wsTenantParam))
		}

		raw := strings.TrimSpace(q.Get(wsTokenParam))
		if raw == "" {
			if h, err := auth.ExtractBearer(r); err == nil {
				raw = h
			}
		}

		if raw == "" {
			if s.cfg.IsProduction() || !s.cfg.WebSocket.AllowAnonymousDev {
				s.logAuthFailure(r, "websocket", auth.ErrUnauthenticated)
				writeUnauthorized(w)
				return
			}
			s.logger.Warn("accepting anonymous websocket connection in development",
				"client_ip", s.clientIP(r),
				"restaurant_id", tenant,
			)
			anon := auth.Anonymous()
			anon.RestaurantID = tenant
			next.ServeHTTP(w, withPrincipal(r, anon))
			return
		}

		p, err := s.authenticate(r, raw, tenant)
		if err != nil {
			s.logAuthFailure(r, "websocket", err)
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, withPrincipal(r, p))
	})
}

// requireScopes passes principals holding at least one of scopes.
func (s *Server) requireScopes(scopes ...auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.RequireScopes(principalFrom(r.Context()), scopes...); err != nil {
				s.logAuthFailure(r, "scope", err)
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAllScopes passes principals holding every one of scopes.
func (s *Server) requireAllScopes(scopes ...auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.RequireAllScopes(principalFrom(r.Context()), scopes...); err != nil {
				s.logAuthFailure(r, "scope", err)
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkRevoked consults the revocation list. Only high-value routes pay for
// the lookup; a store error denies the request.
func (s *Server) checkRevoked(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.validator.CheckRevoked(r.Context(), principalFrom(r.Context()))
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, auth.ErrRevoked):
			s.logAuthFailure(r, "revocation", err)
			writeUnauthorized(w)
		default:
			s.logger.Error("revocation lookup failed", "error", err, "request_id", requestIDFrom(r.Context()))
			writeUnavailable(w, "service temporarily unavailable")
		}
	})
}

// countsAsFailure reports whether a response status is a credential failure
// for the rate limiter. Malformed input (400) is not counted, and successful
// responses never are.
func countsAsFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// rateLimited guards a route with the failure window of class. The check
// runs before anything else; the outcome is recorded after the handler from
// the response status.
func (s *Server) rateLimited(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := ratelimit.NewSubject(s.clientIP(r), r.Header.Get(s.deviceHeader()))

			d, err := s.limiter.Check(r.Context(), class, subject)
			if err != nil {
				s.logger.Error("rate limit store unavailable, denying request", "class", string(class), "error", err)
				writeUnavailable(w, "service temporarily unavailable")
				return
			}
			if !d.Allowed {
				s.metrics.RateLimited(string(class), d.Reason)
				s.logger.Debug("rate limited", "class", string(class), "reason", d.Reason, "client_ip", subject.Network)
				writeLocked(w, d.RetryAfter)
				return
			}

			sw := wrapStatus(w)
			next.ServeHTTP(sw, r)

			ctx := context.WithoutCancel(r.Context())
			switch {
			case countsAsFailure(sw.status):
				d, err := s.limiter.RecordFailure(ctx, class, subject)
				if err != nil {
					s.logger.Error("recording rate limit failure", "class", string(class), "error", err)
					return
				}
				if !d.Allowed {
					s.onLimitEngaged(r, class, d)
				}
			case sw.status < http.StatusBadRequest:
				if err := s.limiter.RecordSuccess(ctx, class, subject); err != nil {
					s.logger.Error("recording rate limit success", "class", string(class), "error", err)
				}
			}
		})
	}
}

func (s *Server) onLimitEngaged(r *http.Request, class ratelimit.Class, d ratelimit.Decision) {
	s.metrics.RateLimited(string(class), d.Reason)
	s.logger.Warn("rate limit engaged",
		"class", string(class),
		"reason", d.Reason,
		"retry_after_s", int(d.RetryAfter.Seconds()),
		"client_ip", s.clientIP(r),
	)
	s.emit(r, events.Event{
		Kind:         events.RateLimited,
		Method:       string(class),
		RestaurantID: tenantHeader(r),
		Reason:       d.Reason,
		Details: map[string]any{
			"class":               string(class),
			"retry_after_seconds": int(d.RetryAfter.Seconds()),
		},
	})
}

// requireTenant rejects principals that resolved to no restaurant, which
// only happens for platform admins that sent no tenant header.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFrom(r.Context()).RestaurantID == "" {
			writeBadRequest(w, HeaderRestaurantID+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
