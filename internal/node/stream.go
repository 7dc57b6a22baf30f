// ABOUTME: Live event push to observers over WebSocket (/stream) and SSE (/api/events)
// ABOUTME: Both transports drain one hub subscription per connection

package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// streamWriteTimeout bounds a single push to an observer.
	streamWriteTimeout = 5 * time.Second

	// sseKeepalive is how often an idle SSE stream gets a comment line.
	sseKeepalive = 15 * time.Second
)

// handleStream upgrades to a WebSocket and pushes {"event","data"} frames.
// Text frames from the client are keepalives and are discarded.
func (n *Node) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		n.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	events, _ := n.hub.Subscribe(ctx)
	n.logger.Debug("stream observer connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "agent shutting down")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					n.logger.Debug("stream write failed, dropping observer", "error", err)
				}
				return
			}
		}
	}
}

// handleEvents serves the same events as Server-Sent Events.
func (n *Node) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		n.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, _ := n.hub.Subscribe(ctx)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.writeSSEEvent(w, ev.Name, ev.Data)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (n *Node) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		n.logger.Error("failed to marshal SSE data", "event", event, "error", err)
		return
	}
	fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
