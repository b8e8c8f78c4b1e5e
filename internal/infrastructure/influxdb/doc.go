// Package influxdb records login attempt telemetry in InfluxDB v2.
//
// Each attempt becomes one point of the auth_attempts measurement, tagged by
// method, outcome and restaurant_id. Writes are non-blocking and batched by
// the client library; asynchronous write failures are logged.
package influxdb
