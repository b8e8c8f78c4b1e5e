package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/events"
)

// setPinRequest is the request body for POST /auth/set-pin. UserID defaults
// to the caller.
type setPinRequest struct {
	PIN    string `json:"pin"`
	UserID string `json:"user_id,omitempty"`
}

type setPinResponse struct {
	Credential *auth.Credential `json:"credential"`
}

// handleSetPin creates or rotates a PIN credential in the caller's restaurant.
//
// Setting someone else's PIN needs staff:manage and that user's active
// membership here; the credential takes the membership role. Stations and
// demo principals cannot hold PINs.
func (s *Server) handleSetPin(w http.ResponseWriter, r *http.Request) {
	var req setPinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	p := principalFrom(r.Context())
	if p.Kind == auth.KindStation || p.IsEphemeral() {
		s.logAuthFailure(r, "set-pin", auth.ErrForbidden)
		writeForbidden(w)
		return
	}
	if p.RestaurantID == "" {
		writeBadRequest(w, HeaderRestaurantID+" header is required")
		return
	}

	target := strings.TrimSpace(req.UserID)
	role := p.Role
	if target != "" && target != p.ID {
		if err := auth.RequireScopes(p, auth.ScopeStaffManage); err != nil {
			s.logAuthFailure(r, "set-pin", err)
			writeForbidden(w)
			return
		}
		m, err := s.members.Get(r.Context(), target, p.RestaurantID)
		switch {
		case errors.Is(err, auth.ErrNotFound), err == nil && !m.IsActive:
			writeNotFound(w, "user is not a member of this restaurant")
			return
		case err != nil:
			s.logger.Error("loading membership for set-pin", "error", err)
			writeInternalError(w, "internal server error")
			return
		}
		role = m.Role
	} else {
		target = p.ID
	}
	if !auth.IsTenantRole(role) {
		writeBadRequest(w, "role "+string(role)+" cannot hold a pin")
		return
	}

	cred, err := s.verifier.SetPin(r.Context(), target, p.RestaurantID, role, req.PIN)
	switch {
	case errors.Is(err, auth.ErrMalformedCredential):
		writeBadRequest(w, "pin must be 4-6 digits and not a repeated or sequential pattern")
		return
	case errors.Is(err, auth.ErrPinInUse):
		writeError(w, http.StatusConflict, ErrCodeConflict, "pin is not available, choose another")
		return
	case err != nil:
		s.logger.Error("setting pin", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.logger.Info("pin set", "principal_id", target, "restaurant_id", p.RestaurantID, "set_by", p.ID)
	s.emit(r, events.Event{
		Kind:         events.PinSet,
		Method:       string(auth.MethodPIN),
		PrincipalID:  target,
		RestaurantID: p.RestaurantID,
		Details:      map[string]any{"set_by": p.ID},
	})
	writeJSON(w, http.StatusOK, setPinResponse{Credential: cred})
}
