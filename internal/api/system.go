package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/tableside/auth-core/internal/auth"
)

const healthCheckTimeout = 3 * time.Second

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Components map[string]componentHealth `json:"components"`
	WebSocket  int                        `json:"websocket_clients"`
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth reports the datastore and optional components. A failing
// datastore makes the service unavailable; a failing optional component only
// degrades it. Error details are shown to principals with system:config.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	p := principalFrom(r.Context())
	detailed := slices.Contains(p.Scopes, auth.ScopeSystemConfig)

	resp := healthResponse{
		Status:     "ok",
		Version:    s.version,
		Components: make(map[string]componentHealth, len(s.components)+1),
		WebSocket:  s.hub.ClientCount(),
	}
	status := http.StatusOK

	check := func(name string, c HealthChecker) bool {
		err := c.HealthCheck(ctx)
		h := componentHealth{Status: "ok"}
		if err != nil {
			h.Status = "error"
			if detailed {
				h.Error = err.Error()
			}
			s.logger.Warn("health check failed", "component", name, "error", err)
		}
		resp.Components[name] = h
		return err == nil
	}

	if !check("database", s.database) {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	for name, c := range s.components {
		if c == nil {
			continue
		}
		if !check(name, c) && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, status, resp)
}

// handleMetrics serves the Prometheus registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}
