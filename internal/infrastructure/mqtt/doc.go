// Package mqtt publishes auth events to an MQTT broker and listens for the
// events of sibling instances.
//
// Every instance publishes to {prefix}/auth/{restaurant_id}/events at QoS 1,
// non-retained. Instances also subscribe to {prefix}/auth/+/events so that a
// station revocation handled by one instance closes the WebSocket sessions
// held by another.
//
// The client reconnects with exponential backoff and restores its
// subscriptions after every reconnect. A Last Will on {prefix}/auth/status
// lets monitoring tell a crashed instance from a graceful shutdown.
//
// TLS should be enabled (broker.tls) for any broker outside the host.
package mqtt
