// Package admin serves the relay's operational HTTP surface: health probes, build version,
// Prometheus metrics and the optional WebSocket gateway into the relay.
package admin
