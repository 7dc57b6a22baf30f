// ABOUTME: Package transport delivers envelopes to a peer's inbound endpoint
// ABOUTME: Handles per-attempt timeouts, bounded retries and ack decoding

// Package transport sends A2A envelopes over HTTP.
//
// Send POSTs the JSON envelope to {peer}/a2a/message. Network failures are
// retried with exponential backoff; an HTTP error status is returned at once
// as *HTTPError. When every attempt fails the error wraps ErrUnreachable.
//
// The underlying *http.Client is pluggable: the default is a plain HTTP/1.1
// client, NewH2CClient speaks cleartext HTTP/2, and the node swaps in a
// tailnet client when Tailscale is enabled.
package transport
