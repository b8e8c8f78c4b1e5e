package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementAuthAttempts holds one point per authentication attempt.
const MeasurementAuthAttempts = "auth_attempts"

// AuthAttempt is a single login, refresh or station attempt.
type AuthAttempt struct {
	Method       string // password, pin, station, demo, refresh
	Outcome      string // success, failure, locked, rate_limited
	RestaurantID string
	Reason       string // internal failure cause, never shown to clients
	Duration     time.Duration
	At           time.Time
}

// WriteAuthAttempt queues a point. It never blocks.
//
// Tags stay low-cardinality: the reason and latency are fields.
func (c *Client) WriteAuthAttempt(a AuthAttempt) {
	if !c.IsConnected() {
		return
	}
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	restaurant := a.RestaurantID
	if restaurant == "" {
		restaurant = "none"
	}

	fields := map[string]any{"count": 1}
	if a.Reason != "" {
		fields["reason"] = a.Reason
	}
	if a.Duration > 0 {
		fields["duration_ms"] = float64(a.Duration) / float64(time.Millisecond)
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementAuthAttempts,
		map[string]string{
			"method":        a.Method,
			"outcome":       a.Outcome,
			"restaurant_id": restaurant,
		},
		fields,
		at,
	))
}
