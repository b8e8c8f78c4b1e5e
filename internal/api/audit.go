package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tableside/auth-core/internal/audit"
)

// handleListEvents returns the caller's restaurant's auth events, newest first.
//
// Query parameters:
//   - kind: filter by event kind (login_failed, station_revoked, ...)
//   - principal_id: filter by principal
//   - since: RFC 3339 lower bound on created_at
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		RestaurantID: principalFrom(r.Context()).RestaurantID,
		Kind:         q.Get("kind"),
		PrincipalID:  q.Get("principal_id"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list auth events", "error", err)
		writeInternalError(w, "failed to list auth events")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
