package api

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/events"
)

const maxStationNameLength = 100

// stationLoginRequest is the request body for POST /auth/station-login.
type stationLoginRequest struct {
	StationType auth.StationType `json:"station_type"`
	StationName string           `json:"station_name"`
}

type stationListResponse struct {
	Stations []auth.StationToken `json:"stations"`
	Count    int                 `json:"count"`
}

type revokeResponse struct {
	Revoked  int      `json:"revoked"`
	TokenIDs []string `json:"token_ids"`
}

// handleStationLogin issues a station token bound to the requesting device.
//
// A manager signs in on the terminal itself, so the fingerprint derived from
// this request is the one every later use must reproduce.
func (s *Server) handleStationLogin(w http.ResponseWriter, r *http.Request) {
	var req stationLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.StationName)
	switch {
	case !req.StationType.Valid():
		writeBadRequest(w, "station_type must be kitchen or expo")
		return
	case name == "" || utf8.RuneCountInString(name) > maxStationNameLength:
		writeBadRequest(w, "station_name must be 1-100 characters")
		return
	}

	p := principalFrom(r.Context())
	fingerprint := s.binding.Bind(s.requestContext(r))

	tok, err := s.issuer.IssueStation(p.RestaurantID, req.StationType, name, fingerprint)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	st := &auth.StationToken{
		TokenID:           tok.TokenID,
		TokenHash:         auth.HashToken(tok.Token),
		StationType:       req.StationType,
		StationName:       name,
		RestaurantID:      p.RestaurantID,
		DeviceFingerprint: fingerprint,
		IssuedAt:          tok.IssuedAt,
		ExpiresAt:         tok.ExpiresAt,
		CreatedBy:         p.ID,
	}
	if err := s.stations.Create(r.Context(), st); err != nil {
		s.logger.Error("storing station token", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.logger.Info("station token issued",
		"token_id", st.TokenID,
		"restaurant_id", st.RestaurantID,
		"station_type", string(st.StationType),
		"issued_by", p.ID,
	)
	s.emit(r, events.Event{
		Kind:         events.StationIssued,
		Method:       string(auth.MethodStation),
		PrincipalID:  p.ID,
		RestaurantID: st.RestaurantID,
		Details: map[string]any{
			"token_id":     st.TokenID,
			"station_type": string(st.StationType),
			"station_name": st.StationName,
		},
	})
	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:      tok.Token,
		TokenType:  tokenTypeBearer,
		ExpiresAt:  tok.ExpiresAt,
		ExpiresIn:  s.secondsUntil(tok.ExpiresAt),
		AuthMethod: auth.MethodStation,
		Station:    st,
	})
}

// handleListStations lists the caller's restaurant's station tokens.
func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	includeRevoked := r.URL.Query().Get("include_revoked") == "true"

	stations, err := s.stations.ListForRestaurant(r.Context(), p.RestaurantID, includeRevoked)
	if err != nil {
		s.logger.Error("listing station tokens", "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stationListResponse{Stations: stations, Count: len(stations)})
}

// handleRevokeStation revokes one station token of the caller's restaurant.
// A token of another restaurant is reported as not found.
func (s *Server) handleRevokeStation(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	tokenID := chi.URLParam(r, "id")

	err := s.stations.Revoke(r.Context(), p.RestaurantID, tokenID, p.ID, s.now())
	if errors.Is(err, auth.ErrNotFound) {
		writeNotFound(w, "station token not found")
		return
	}
	if err != nil {
		s.logger.Error("revoking station token", "token_id", tokenID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	ids := []string{tokenID}
	s.afterStationRevoke(r, p, events.StationRevoked, ids)
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: 1, TokenIDs: ids})
}

// handleRevokeStations revokes every live station token of the caller's
// restaurant in one statement.
func (s *Server) handleRevokeStations(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	ids, err := s.stations.RevokeAllForRestaurant(r.Context(), p.RestaurantID, p.ID, s.now())
	if err != nil {
		s.logger.Error("revoking station tokens", "restaurant_id", p.RestaurantID, "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.afterStationRevoke(r, p, events.StationsRevoked, ids)
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: len(ids), TokenIDs: ids})
}

// afterStationRevoke disconnects the revoked stations' sockets on this
// instance and announces the revocation so other instances do the same.
func (s *Server) afterStationRevoke(r *http.Request, p *auth.Principal, kind events.Kind, ids []string) {
	closed := s.hub.CloseStations(ids)
	s.metrics.Revoked(string(auth.KindStation), len(ids))
	s.logger.Info("station tokens revoked",
		"restaurant_id", p.RestaurantID,
		"revoked", len(ids),
		"connections_closed", closed,
		"revoked_by", p.ID,
	)
	s.emit(r, events.Event{
		Kind:         kind,
		Method:       string(auth.MethodStation),
		PrincipalID:  p.ID,
		RestaurantID: p.RestaurantID,
		Details:      map[string]any{"token_ids": ids, "count": len(ids)},
	})
}
