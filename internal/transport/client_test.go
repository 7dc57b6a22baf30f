// ABOUTME: Tests for envelope delivery, retry policy and error classification
// ABOUTME: Uses httptest servers, including an h2c server for the HTTP/2 client

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func fastConfig() Config {
	return Config{Timeout: time.Second, MaxRetries: 3, BaseDelay: time.Millisecond}
}

func heartbeat() *a2a.Envelope {
	return a2a.NewIssuer("jetson-site-a").New("macmini-control", &a2a.Heartbeat{Status: a2a.StatusActive})
}

func ackHandler(t *testing.T, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, MessagePath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		env, err := a2a.Parse(body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Ack{Status: "received", MessageID: env.MessageID})
	}
}

func TestSend_Success(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(ackHandler(t, &calls))
	defer srv.Close()

	m := metrics.New()
	c := NewClient(fastConfig(), nil, m, nil)
	env := heartbeat()

	ack, err := c.Send(t.Context(), srv.URL+"/", env)
	require.NoError(t, err)
	assert.Equal(t, "received", ack.Status)
	assert.Equal(t, env.MessageID, ack.MessageID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_UnreachableAfterAllAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(fastConfig(), nil, nil, nil)
	_, err := c.Send(t.Context(), url, heartbeat())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable), "got %v", err)
}

func TestSend_RetriesNetworkFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"status":"received","message_id":"m"}`))
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil, nil, nil)
	ack, err := c.Send(t.Context(), srv.URL, heartbeat())

	require.NoError(t, err)
	assert.Equal(t, "received", ack.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_HTTPErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewClient(fastConfig(), nil, m, nil)
	_, err := c.Send(t.Context(), srv.URL, heartbeat())

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Contains(t, httpErr.Error(), "boom")
	assert.Equal(t, int32(1), calls.Load())

	count, err := testutil.GatherAndCount(m.Registry(), "agent_edge_messages_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSend_BadAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok, thanks"))
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil, nil, nil)
	_, err := c.Send(t.Context(), srv.URL, heartbeat())
	assert.True(t, errors.Is(err, ErrBadAck), "got %v", err)
}

func TestSend_InvalidEnvelopeSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(ackHandler(t, &calls))
	defer srv.Close()

	env := heartbeat()
	env.Payload = &a2a.Heartbeat{Status: "sleepy"}

	c := NewClient(fastConfig(), nil, nil, nil)
	_, err := c.Send(t.Context(), srv.URL, env)

	assert.True(t, errors.Is(err, a2a.ErrMalformedPayload), "got %v", err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestSend_CancelledContextStopsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{Timeout: time.Second, MaxRetries: 3, BaseDelay: time.Hour}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Send(ctx, url, heartbeat())

	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSend_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{Timeout: 20 * time.Millisecond, MaxRetries: 2, BaseDelay: time.Millisecond}, nil, nil, nil)
	_, err := c.Send(t.Context(), srv.URL, heartbeat())

	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil)
	assert.Equal(t, DefaultConfig(), c.cfg)
	assert.NotNil(t, c.HTTPClient())
}

func TestNewH2CClient(t *testing.T) {
	var calls atomic.Int32
	var proto atomic.Value
	inner := ackHandler(t, &calls)
	srv := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proto.Store(r.Proto)
		inner(w, r)
	}), &http2.Server{}))
	defer srv.Close()

	c := NewClient(fastConfig(), NewH2CClient(), nil, nil)
	_, err := c.Send(t.Context(), srv.URL, heartbeat())

	require.NoError(t, err)
	assert.Equal(t, "HTTP/2.0", proto.Load())
}
