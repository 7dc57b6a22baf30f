// ABOUTME: HTTP client that POSTs envelopes to peers with retry and backoff
// ABOUTME: Injects trace context and records send outcomes to Prometheus

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/metrics"
	"github.com/2389/agent-edge/internal/telemetry"
)

// MessagePath is the inbound endpoint every agent serves.
const MessagePath = "/a2a/message"

var (
	// ErrUnreachable means every attempt failed at the network level.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrBadAck means the peer answered 2xx with a body that is not a JSON ack.
	ErrBadAck = errors.New("peer returned an invalid ack")
)

// HTTPError is returned when the peer answers with a status >= 400.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("peer returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("peer returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Ack is the inbound endpoint's response body.
type Ack struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// Config controls timeouts and retry policy.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultConfig returns a 5s attempt timeout with 3 attempts starting at 1s backoff.
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

// Client sends envelopes to peers.
type Client struct {
	http    *http.Client
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewClient creates a Client. A nil httpClient uses a fresh default client;
// m may be nil.
func NewClient(cfg Config, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    httpClient,
		cfg:     cfg,
		logger:  logger.With("component", "transport"),
		metrics: m,
		tracer:  telemetry.Tracer("agent-edge/transport"),
	}
}

// HTTPClient returns the client used for sends, for other peer-facing calls
// such as discovery probes.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Send validates env and POSTs it to peerURL, retrying network failures.
func (c *Client) Send(ctx context.Context, peerURL string, env *a2a.Envelope) (*Ack, error) {
	start := time.Now()
	kind := string(env.Type)

	body, err := a2a.Marshal(env)
	if err != nil {
		c.metrics.MessageSent(kind, metrics.OutcomeInvalid, time.Since(start).Seconds())
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "a2a.send", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("a2a.type", kind),
			attribute.String("a2a.message_id", env.MessageID),
			attribute.String("a2a.to", env.To),
			attribute.String("peer.url", peerURL),
		),
	)
	defer span.End()

	target := strings.TrimRight(peerURL, "/") + MessagePath

	var lastErr error
	for attempt := range c.cfg.MaxRetries {
		ack, err := c.attempt(ctx, target, body)
		if err == nil {
			span.SetAttributes(attribute.Int("a2a.attempts", attempt+1))
			c.metrics.MessageSent(kind, metrics.OutcomeOK, time.Since(start).Seconds())
			return ack, nil
		}

		var httpErr *HTTPError
		switch {
		case errors.As(err, &httpErr):
			span.SetStatus(codes.Error, err.Error())
			c.metrics.MessageSent(kind, metrics.OutcomeHTTPError, time.Since(start).Seconds())
			return nil, err
		case errors.Is(err, ErrBadAck):
			span.SetStatus(codes.Error, err.Error())
			c.metrics.MessageSent(kind, metrics.OutcomeBadAck, time.Since(start).Seconds())
			return nil, err
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		delay := c.cfg.BaseDelay << attempt
		c.logger.Debug("send attempt failed, retrying",
			"type", kind, "peer", peerURL, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.metrics.MessageSent(kind, metrics.OutcomeUnreachable, time.Since(start).Seconds())
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "unreachable")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, peerURL, ctxErr)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrUnreachable, peerURL, c.cfg.MaxRetries, lastErr)
}

// attempt performs one POST bounded by the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, target string, body []byte) (*Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAck, err)
	}
	return &ack, nil
}

// NewH2CClient returns a client speaking HTTP/2 over cleartext TCP, for
// peers whose server is wrapped in an h2c handler.
func NewH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
