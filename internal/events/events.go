// Package events fans auth events out to the audit log, MQTT, connected
// WebSocket clients, InfluxDB and Prometheus.
//
// Every sink is optional. A failing sink is logged and never fails the
// request that produced the event. Audit writes and MQTT publishes go
// through a bounded queue drained by one goroutine; the other sinks are
// non-blocking and run inline.
package events

import (
	"time"
)

// Channel is the WebSocket channel auth events are broadcast on. Only
// principals allowed to read the audit trail may subscribe to it.
const Channel = "auth"

// Kind names an event.
type Kind string

const (
	LoginSucceeded   Kind = "login_succeeded"
	LoginFailed      Kind = "login_failed"
	CredentialLocked Kind = "credential_locked"
	RateLimited      Kind = "rate_limited"
	PinSet           Kind = "pin_set"
	StationIssued    Kind = "station_issued"
	StationRevoked   Kind = "station_revoked"
	StationsRevoked  Kind = "stations_revoked"
	LoggedOut        Kind = "logged_out"
	RefreshFailed    Kind = "refresh_failed"
)

// Event is one auth occurrence. ClientIP and Reason are for the audit log
// and telemetry only; they are never broadcast.
type Event struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Method       string         `json:"method,omitempty"`
	PrincipalID  string         `json:"principal_id,omitempty"`
	RestaurantID string         `json:"restaurant_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Origin       string         `json:"origin,omitempty"`
	At           time.Time      `json:"at"`

	ClientIP string        `json:"-"`
	Reason   string        `json:"-"`
	Duration time.Duration `json:"-"`
}

// outcome maps attempt events onto telemetry outcomes. Other kinds are not
// attempts and return "".
func (e Event) outcome() string {
	switch e.Kind {
	case LoginSucceeded:
		return "success"
	case LoginFailed, RefreshFailed:
		return "failure"
	case CredentialLocked:
		return "locked"
	case RateLimited:
		return "rate_limited"
	default:
		return ""
	}
}

// Revokes reports whether the event ends station sessions.
func (e Event) Revokes() bool {
	return e.Kind == StationRevoked || e.Kind == StationsRevoked
}

// TokenIDs returns the station token ids carried by a revocation event.
func (e Event) TokenIDs() []string {
	raw, ok := e.Details["token_ids"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}
