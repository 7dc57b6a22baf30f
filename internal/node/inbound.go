// ABOUTME: Inbound A2A endpoint: schema validation, deduplication and dispatch by kind
// ABOUTME: Slow work (analysis replies, query answers) runs detached from the request

package node

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/broadcast"
	"github.com/2389/agent-edge/internal/history"
	"github.com/2389/agent-edge/internal/ledger"
	"github.com/2389/agent-edge/internal/pipeline"
	"github.com/2389/agent-edge/internal/telemetry"
	"github.com/2389/agent-edge/internal/transport"
)

// maxMessageBytes bounds an inbound envelope body.
const maxMessageBytes = 1 << 20

// Ack statuses.
const (
	ackReceived  = "received"
	ackDuplicate = "duplicate"
	ackRejected  = "rejected"
)

// schemaError is the 400 body for an envelope that fails validation.
type schemaError struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleMessage handles POST /a2a/message.
func (n *Node) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := telemetry.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := n.tracer.Start(ctx, "a2a.receive", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		n.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	env, err := a2a.Parse(body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		n.rejectMessage(w, err)
		return
	}
	span.SetAttributes(
		attribute.String("a2a.type", string(env.Type)),
		attribute.String("a2a.from", env.From),
		attribute.String("a2a.message_id", env.MessageID),
	)

	if !n.seen.Observe(env.MessageID) {
		n.logger.Debug("duplicate message ignored", "message_id", env.MessageID, "type", env.Type)
		n.metrics.MessageReceived(string(env.Type), ackDuplicate)
		n.writeJSON(w, http.StatusOK, transport.Ack{Status: ackDuplicate, MessageID: env.MessageID})
		return
	}

	n.logger.Info("a2a message received", "type", env.Type, "from", env.From, "message_id", env.MessageID)
	n.metrics.MessageReceived(string(env.Type), ackReceived)

	n.observePeer(ctx, env)
	n.recordInbound(ctx, env, body)
	n.dispatch(ctx, env)

	n.writeJSON(w, http.StatusOK, transport.Ack{Status: ackReceived, MessageID: env.MessageID})
}

// rejectMessage maps a parse error to 422 for unknown kinds and 400 otherwise.
func (n *Node) rejectMessage(w http.ResponseWriter, err error) {
	n.metrics.MessageReceived("unknown", ackRejected)
	n.logger.Warn("rejected inbound message", "error", err)

	if errors.Is(err, a2a.ErrUnknownMessageKind) {
		n.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	resp := schemaError{Error: err.Error()}
	var perr *a2a.PayloadError
	if errors.As(err, &perr) {
		resp.Field = perr.Field
	}
	n.writeJSON(w, http.StatusBadRequest, resp)
}

// observePeer refreshes the sender's last-seen time. A heartbeat from a
// peer we have not discovered yet triggers discovery.
func (n *Node) observePeer(ctx context.Context, env *a2a.Envelope) {
	if n.registry.Touch(env.From) || env.Type != a2a.KindHeartbeat {
		return
	}
	n.logger.Info("heartbeat from unknown peer, discovering", "from", env.From)
	n.spawn(ctx, func(ctx context.Context) {
		n.registry.Discover(ctx, n.config.Peer.URL)
	})
}

// recordInbound appends the raw envelope to the ledger and publishes it.
func (n *Node) recordInbound(ctx context.Context, env *a2a.Envelope, body []byte) {
	rec, err := ledger.FromJSON(ledger.EventA2AReceived, body)
	if err == nil {
		err = n.ledger.Append(ctx, rec)
	}
	if err != nil {
		n.logger.Warn("failed to record inbound message", "message_id", env.MessageID, "error", err)
	}
	n.hub.Publish(broadcast.EventA2AMessage, env)
}

func (n *Node) dispatch(ctx context.Context, env *a2a.Envelope) {
	switch p := env.Payload.(type) {
	case *a2a.SensorObservation:
		n.handleObservation(ctx, env, p)

	case *a2a.AnalysisRequest:
		n.spawn(ctx, func(ctx context.Context) {
			if _, err := n.coordinator.Respond(ctx, env); err != nil {
				n.logger.Error("failed to answer analysis request", "message_id", env.MessageID, "error", err)
			}
		})

	case *a2a.AnalysisResponse:
		n.coordinator.HandleResponse(ctx, env)

	case *a2a.Query:
		n.spawn(ctx, func(ctx context.Context) {
			n.answerQuery(ctx, env, p)
		})

	case *a2a.QueryResponse:
		n.logger.Info("query answered", "from", env.From, "answer", p.Answer)
		n.hub.Publish(broadcast.EventQueryResponse, env)

	case *a2a.AgentCard:
		rec := n.registry.Upsert(*p, "")
		n.logger.Info("agent card received", "agent_id", rec.AgentID, "url", rec.URL)

	case *a2a.Decision:
		n.logger.Info("decision received", "decision_id", p.DecisionID, "summary", p.Summary)
		n.appendEnvelope(ctx, ledger.EventDecision, env)
		n.hub.Publish(broadcast.EventDecision, env)

	case *a2a.Heartbeat:
		// observePeer already refreshed the registry.
	}
}

// handleObservation records a reading forwarded by the peer.
func (n *Node) handleObservation(ctx context.Context, env *a2a.Envelope, obs *a2a.SensorObservation) {
	reading := obs.Reading
	if reading.Timestamp.IsZero() {
		reading.Timestamp = env.Timestamp
	}
	n.window.Record(history.SampleFromReading(reading, env.Timestamp))
	n.metrics.SetWindowSize(n.window.Len())

	rec := pipeline.ReadingRecord(ledger.EventSensorObservation, reading)
	rec["source_agent"] = env.From
	if obs.Location != "" {
		rec["location"] = obs.Location
	}
	if err := n.ledger.Append(ctx, rec); err != nil {
		n.logger.Warn("failed to record observation", "error", err)
	}

	n.logger.Debug("observation recorded",
		"from", env.From,
		"temperature", reading.Temperature,
		"eco2", reading.ECO2,
		"window", n.window.Len(),
	)
	n.hub.Publish(broadcast.EventSensorObservation, obs)
}

// answerQuery replies to a relayed question using the freshest local data.
func (n *Node) answerQuery(ctx context.Context, env *a2a.Envelope, q *a2a.Query) {
	current, ok := n.localReading()
	var data *a2a.Reading
	if ok {
		data = &current
	}
	answer := dataOnlyAnswer(q.Question, data, n.window.Statistics())

	reply := n.issuer.Reply(env, &a2a.QueryResponse{
		Answer:      answer,
		Data:        data,
		SourceAgent: n.issuer.AgentID(),
	})
	url, ok := n.peerURL(env.From)
	if !ok {
		n.logger.Warn("cannot answer query, sender unknown", "from", env.From)
		return
	}
	if _, err := n.client.Send(ctx, url, reply); err != nil {
		n.logger.Warn("failed to send query response", "to", env.From, "error", err)
	}
}

// peerURL resolves where to reach agentID, falling back to the primary peer.
func (n *Node) peerURL(agentID string) (string, bool) {
	if rec, ok := n.registry.Peer(agentID); ok {
		return rec.URL, true
	}
	if rec, ok := n.registry.Primary(); ok {
		return rec.URL, true
	}
	return "", false
}

func (n *Node) appendEnvelope(ctx context.Context, event string, env *a2a.Envelope) {
	data, err := a2a.Marshal(env)
	if err != nil {
		n.logger.Warn("failed to encode envelope for ledger", "event", event, "error", err)
		return
	}
	rec, err := ledger.FromJSON(event, data)
	if err == nil {
		err = n.ledger.Append(ctx, rec)
	}
	if err != nil {
		n.logger.Warn("failed to record envelope", "event", event, "error", err)
	}
}
