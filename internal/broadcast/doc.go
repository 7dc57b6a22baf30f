// Package broadcast fans agent events out to WebSocket and SSE observers.
package broadcast
