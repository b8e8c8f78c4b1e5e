package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/events"
	"github.com/tableside/auth-core/internal/identity"
)

const tokenTypeBearer = "Bearer"

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RestaurantID string `json:"restaurant_id,omitempty"`
}

// pinLoginRequest is the request body for POST /auth/pin-login.
type pinLoginRequest struct {
	RestaurantID string `json:"restaurant_id"`
	PIN          string `json:"pin"`
}

// refreshRequest is the request body for POST /auth/refresh and the
// optional body of POST /auth/logout.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// demoLoginRequest is the request body for POST /auth/demo-login.
type demoLoginRequest struct {
	RestaurantID string    `json:"restaurant_id"`
	Role         auth.Role `json:"role"`
}

// sessionResponse is returned by password login and refresh.
type sessionResponse struct {
	*identity.Session
	ExpiresIn  int         `json:"expires_in"`
	AuthMethod auth.Method `json:"auth_method"`
}

// tokenResponse is returned by PIN, station and demo logins.
type tokenResponse struct {
	Token      string          `json:"token"`
	TokenType  string          `json:"token_type"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ExpiresIn  int             `json:"expires_in"`
	AuthMethod auth.Method     `json:"auth_method"`
	Principal  *auth.Principal `json:"principal,omitempty"`
	Station    any             `json:"station,omitempty"`
}

type logoutResponse struct {
	LoggedOut    bool `json:"logged_out"`
	TokenRevoked bool `json:"token_revoked"`
}

type meResponse struct {
	Principal  *auth.Principal `json:"principal"`
	Scopes     []auth.Scope    `json:"scopes"`
	AuthMethod auth.Kind       `json:"auth_method"`
	ExpiresIn  int             `json:"expires_in,omitempty"`
}

func (s *Server) secondsUntil(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	d := int(t.Sub(s.now()).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

// pickTenant merges the tenant named in a request body with the tenant
// header. Both may be set only when they agree.
func pickTenant(body, header string) (string, error) {
	body = strings.TrimSpace(body)
	switch {
	case body != "" && header != "" && body != header:
		return "", auth.ErrTenantMismatch
	case body != "":
		return body, nil
	default:
		return header, nil
	}
}

// handleLogin signs in a password account through the identity provider.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	tenant, err := pickTenant(req.RestaurantID, tenantHeader(r))
	if err != nil {
		s.logAuthFailure(r, "login", err)
		writeAuthError(w, err)
		return
	}

	start := time.Now()
	sess, err := s.identity.SignInWithPassword(r.Context(), identity.SignInRequest{
		Email:        strings.TrimSpace(req.Email),
		Password:     req.Password,
		RestaurantID: tenant,
	})
	if err != nil {
		s.logAuthFailure(r, "login", err)
		s.emit(r, events.Event{
			Kind:         events.LoginFailed,
			Method:       string(auth.MethodPassword),
			RestaurantID: tenant,
			Reason:       auth.Reason(err),
			Duration:     time.Since(start),
		})
		writeAuthError(w, err)
		return
	}

	s.logger.Info("password login", "user_id", sess.UserID, "restaurant_id", sess.RestaurantID)
	s.emit(r, events.Event{
		Kind:         events.LoginSucceeded,
		Method:       string(auth.MethodPassword),
		PrincipalID:  sess.UserID,
		RestaurantID: sess.RestaurantID,
		Duration:     time.Since(start),
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		Session:    sess,
		ExpiresIn:  s.secondsUntil(sess.ExpiresAt),
		AuthMethod: auth.MethodPassword,
	})
}

// handlePinLogin resolves a PIN within one restaurant and issues a PIN token.
//
// A locked credential is reported exactly like a wrong PIN; only the log and
// the audit event tell them apart.
func (s *Server) handlePinLogin(w http.ResponseWriter, r *http.Request) {
	var req pinLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	tenant, err := pickTenant(req.RestaurantID, tenantHeader(r))
	if err != nil {
		s.logAuthFailure(r, "pin-login", err)
		writeAuthError(w, err)
		return
	}
	if tenant == "" {
		writeBadRequest(w, "restaurant_id is required")
		return
	}

	start := time.Now()
	p, err := s.verifier.VerifyPin(r.Context(), tenant, req.PIN)
	if err != nil {
		s.logAuthFailure(r, "pin-login", err)
		ev := events.Event{
			Kind:         events.LoginFailed,
			Method:       string(auth.MethodPIN),
			RestaurantID: tenant,
			Reason:       auth.Reason(err),
			Duration:     time.Since(start),
		}
		if errors.Is(err, auth.ErrLocked) {
			ev.Kind = events.CredentialLocked
			ev.Details = map[string]any{"retry_after_seconds": int(auth.RetryAfter(err).Seconds())}
		}
		s.emit(r, ev)

		switch {
		case errors.Is(err, auth.ErrMalformedCredential):
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, auth.MsgInvalidCredentials)
		case errors.Is(err, auth.ErrLocked), errors.Is(err, auth.ErrInvalidCredential):
			writeUnauthorized(w)
		default:
			writeInternalError(w, "internal server error")
		}
		return
	}

	tok, err := s.issuer.IssuePIN(p)
	if err != nil {
		s.logger.Error("issuing pin token", "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	p.TokenID = tok.TokenID
	p.ExpiresAt = tok.ExpiresAt

	s.logger.Info("pin login", "principal_id", p.ID, "restaurant_id", p.RestaurantID)
	s.emit(r, events.Event{
		Kind:         events.LoginSucceeded,
		Method:       string(auth.MethodPIN),
		PrincipalID:  p.ID,
		RestaurantID: p.RestaurantID,
		Duration:     time.Since(start),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:      tok.Token,
		TokenType:  tokenTypeBearer,
		ExpiresAt:  tok.ExpiresAt,
		ExpiresIn:  s.secondsUntil(tok.ExpiresAt),
		AuthMethod: auth.MethodPIN,
		Principal:  p,
	})
}

// handleRefresh exchanges a refresh token for a new session.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	sess, err := s.identity.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		s.logAuthFailure(r, "refresh", err)
		s.emit(r, events.Event{
			Kind:         events.RefreshFailed,
			Method:       string(auth.MethodPassword),
			RestaurantID: tenantHeader(r),
			Reason:       auth.Reason(err),
		})
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Session:    sess,
		ExpiresIn:  s.secondsUntil(sess.ExpiresAt),
		AuthMethod: auth.MethodPassword,
	})
}

// handleLogout revokes the presented token and ends the provider session.
//
// Revocation is local and always attempted. The provider sign-out is bounded
// by identity.sign_out_timeout and its failure is logged, never returned.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	p := principalFrom(r.Context())
	ctx := context.WithoutCancel(r.Context())
	resp := logoutResponse{LoggedOut: true}

	switch {
	case p.Kind == auth.KindStation:
		err := s.stations.Revoke(ctx, p.RestaurantID, p.TokenID, p.ID, s.now())
		if err != nil {
			s.logger.Error("revoking station token on logout", "token_id", p.TokenID, "error", err)
			break
		}
		resp.TokenRevoked = true
		s.metrics.Revoked(string(auth.KindStation), 1)
		s.hub.CloseStations([]string{p.TokenID})
	case p.TokenID != "" && !p.ExpiresAt.IsZero():
		if err := s.revocations.Revoke(ctx, p.TokenID, p.ExpiresAt, p.ID, "logout"); err != nil {
			s.logger.Error("revoking access token on logout", "error", err)
			break
		}
		resp.TokenRevoked = true
		s.metrics.Revoked(string(p.Kind), 1)
	}

	if p.Kind == auth.KindPassword {
		raw, _ := auth.ExtractBearer(r) //nolint:errcheck // requireAuth already extracted it
		signOutCtx, cancel := context.WithTimeout(ctx, s.signOutTimeout())
		if err := s.identity.SignOut(signOutCtx, raw, strings.TrimSpace(req.RefreshToken)); err != nil {
			s.logger.Warn("identity sign-out failed", "principal_id", p.ID, "error", err)
		}
		cancel()
	}

	s.emit(r, events.Event{
		Kind:         events.LoggedOut,
		Method:       string(p.Kind),
		PrincipalID:  p.ID,
		RestaurantID: p.RestaurantID,
		Details:      map[string]any{"token_revoked": resp.TokenRevoked},
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) signOutTimeout() time.Duration {
	if ms := s.cfg.Identity.SignOutTimeout; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 2 * time.Second
}

// handleMe returns the resolved principal and its effective scopes.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		Principal:  p,
		Scopes:     p.Scopes,
		AuthMethod: p.Kind,
		ExpiresIn:  s.secondsUntil(p.ExpiresAt),
	})
}

// handleDemoLogin issues a token for an ephemeral principal. The route only
// exists in development with security.demo.enabled.
func (s *Server) handleDemoLogin(w http.ResponseWriter, r *http.Request) {
	var req demoLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	tenant, err := pickTenant(req.RestaurantID, tenantHeader(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if tenant == "" {
		writeBadRequest(w, "restaurant_id is required")
		return
	}
	if !auth.IsTenantRole(req.Role) {
		writeBadRequest(w, "role must be a restaurant role")
		return
	}

	tok, err := s.issuer.IssueDemo(tenant, req.Role)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	p, err := s.authenticate(r, tok.Token, tenant)
	if err != nil {
		s.logger.Error("demo token failed its own validation", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.logger.Info("demo login", "principal_id", p.ID, "restaurant_id", tenant, "role", string(req.Role))
	s.emit(r, events.Event{
		Kind:         events.LoginSucceeded,
		Method:       string(auth.MethodDemo),
		PrincipalID:  p.ID,
		RestaurantID: tenant,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:      tok.Token,
		TokenType:  tokenTypeBearer,
		ExpiresAt:  tok.ExpiresAt,
		ExpiresIn:  s.secondsUntil(tok.ExpiresAt),
		AuthMethod: auth.MethodDemo,
		Principal:  p,
	})
}
