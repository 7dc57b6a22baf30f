// ABOUTME: Tests for live event push over WebSocket and SSE
// ABOUTME: Drives real connections against an httptest server

package node

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/2389/agent-edge/internal/broadcast"
	"github.com/2389/agent-edge/internal/config"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_WebSocketPushesEvents(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	base := serve(t, n)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/stream", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return n.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Keepalive frames from the observer are ignored.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("ping")))

	feed(t, n, sampleReading())

	var got []string
	for len(got) < 2 {
		var msg struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		got = append(got, msg.Event)
	}
	assert.Equal(t, []string{broadcast.EventA2AMessage, broadcast.EventSensorObservation}, got)
}

func TestStream_ClosesOnShutdown(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	base := serve(t, n)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/stream", nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return n.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	n.hub.Close()

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestEvents_SSE(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	base := serve(t, n)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return n.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	n.hub.Publish(broadcast.EventDecision, map[string]string{"summary": "ventilate"})

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: decision", lines[0])
	assert.Equal(t, `data: {"summary":"ventilate"}`, lines[1])
}
