// ABOUTME: Coordinator drives analysis requests, responses and the resulting decisions
// ABOUTME: Owns the exchange table; a monitor loop sweeps expired pending exchanges

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/anomaly"
	"github.com/2389/agent-edge/internal/broadcast"
	"github.com/2389/agent-edge/internal/history"
	"github.com/2389/agent-edge/internal/ledger"
	"github.com/2389/agent-edge/internal/metrics"
	"github.com/2389/agent-edge/internal/reasoner"
	"github.com/2389/agent-edge/internal/registry"
	"github.com/2389/agent-edge/internal/telemetry"
	"github.com/2389/agent-edge/internal/transport"
)

// DefaultTimeout is how long a request may stay Pending.
const DefaultTimeout = 120 * time.Second

// Settled exchanges are kept for this many timeouts before Sweep prunes them.
const pruneFactor = 10

const (
	AnalysisQuestion  = "Anomaly detected in sensor readings. Please analyze with historical context."
	AnswerNoHistory   = "Historical analysis not available (no historical data)"
	AnswerWithinRange = "Readings are within normal statistical range based on historical data."
	deviationsPrefix  = "Statistical anomalies detected: "
)

// Confidence attached to each kind of answer.
const (
	ConfidenceReasoner    = 0.8
	ConfidenceDeviations  = 0.6
	ConfidenceWithinRange = 0.7
	ConfidenceNoHistory   = 0.5
)

// ErrNoPeer means no peer has been discovered to exchange with.
var ErrNoPeer = errors.New("no peer known")

// Sender delivers an envelope to a peer URL.
type Sender interface {
	Send(ctx context.Context, peerURL string, env *a2a.Envelope) (*transport.Ack, error)
}

// PeerSource resolves where requests and replies go.
type PeerSource interface {
	Primary() (registry.PeerRecord, bool)
	Peer(agentID string) (registry.PeerRecord, bool)
}

// StatsSource supplies historical statistics for responses.
type StatsSource interface {
	Statistics() history.Stats
}

// Deps are the coordinator's collaborators. Reasoner, History, Ledger, Hub
// and Metrics are optional.
type Deps struct {
	Issuer   *a2a.Issuer
	Sender   Sender
	Peers    PeerSource
	History  StatsSource
	Reasoner reasoner.Reasoner
	Ledger   ledger.Ledger
	Hub      broadcast.Publisher
	Metrics  *metrics.Metrics
}

// Coordinator runs both sides of the analysis exchange.
type Coordinator struct {
	timeout time.Duration
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	exchangeCount metric.Int64Counter
	roundTrip     metric.Float64Histogram

	mu        sync.Mutex
	exchanges map[string]*Exchange

	wg sync.WaitGroup
}

// New creates a Coordinator. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration, deps Deps, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deps.Hub == nil {
		deps.Hub = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")

	meter := telemetry.Meter("agent-edge/coordinator")
	var count metric.Int64Counter = noop.Int64Counter{}
	if c, err := meter.Int64Counter("agent_edge.analysis.exchanges",
		metric.WithDescription("Analysis exchange transitions by resulting state.")); err == nil {
		count = c
	} else {
		logger.Warn("failed to create exchange counter", "error", err)
	}
	var rtt metric.Float64Histogram = noop.Float64Histogram{}
	if h, err := meter.Float64Histogram("agent_edge.analysis.round_trip",
		metric.WithDescription("Time from analysis request to accepted response."),
		metric.WithUnit("s")); err == nil {
		rtt = h
	} else {
		logger.Warn("failed to create round trip histogram", "error", err)
	}

	return &Coordinator{
		timeout:       timeout,
		deps:          deps,
		logger:        logger,
		tracer:        telemetry.Tracer("agent-edge/coordinator"),
		now:           time.Now,
		exchangeCount: count,
		roundTrip:     rtt,
		exchanges:     make(map[string]*Exchange),
	}
}

// WithClock replaces the clock, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Timeout returns how long an exchange may stay Pending.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Trigger starts RequestAnalysis in the background. Wait blocks until every
// triggered request has finished.
func (c *Coordinator) Trigger(ctx context.Context, ev anomaly.Event) {
	c.wg.Go(func() {
		_, _ = c.RequestAnalysis(ctx, ev)
	})
}

// Wait blocks until background requests and notifications have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// RequestAnalysis sends an analysis_request for ev to the primary peer and
// records a Pending exchange. Nothing is recorded when the send fails.
func (c *Coordinator) RequestAnalysis(ctx context.Context, ev anomaly.Event) (Exchange, error) {
	ctx, span := c.tracer.Start(ctx, "analysis.request", trace.WithAttributes(
		attribute.Int("anomaly.reasons", len(ev.Reasons)),
	))
	defer span.End()

	thinking := ev.ReasonerOutput
	if thinking == "" && c.deps.Reasoner != nil {
		text, err := c.deps.Reasoner.Analyze(ctx, reasoner.AnomalyPrompt(ev.Reading, ev.Previous, ev.Reasons))
		if err != nil {
			c.logger.Warn("local reasoning failed, sending request without it", "error", err)
		} else {
			thinking = text
		}
	}

	peer, ok := c.deps.Peers.Primary()
	if !ok {
		c.logger.Info("anomaly not shared, no peer known", "reasons", ev.Reasons)
		span.SetStatus(codes.Error, ErrNoPeer.Error())
		return Exchange{}, ErrNoPeer
	}

	actx := a2a.AnalysisContext{
		Current:        ev.Reading,
		Previous:       ev.Previous,
		AnomalyReasons: ev.Reasons,
	}
	env := c.deps.Issuer.New(peer.AgentID, &a2a.AnalysisRequest{
		Question:    AnalysisQuestion,
		Context:     actx,
		LFMThinking: thinking,
	})
	span.SetAttributes(attribute.String("a2a.message_id", env.MessageID))

	now := c.now()
	ex := &Exchange{
		RequestID: env.MessageID,
		Requester: c.deps.Issuer.AgentID(),
		Responder: peer.AgentID,
		Context:   actx,
		Thinking:  thinking,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The peer may answer before Send returns, so the exchange must exist first.
	c.mu.Lock()
	c.exchanges[ex.RequestID] = ex
	c.mu.Unlock()

	if _, err := c.deps.Sender.Send(ctx, peer.URL, env); err != nil {
		c.mu.Lock()
		delete(c.exchanges, ex.RequestID)
		c.mu.Unlock()
		c.logger.Warn("failed to send analysis request", "peer", peer.AgentID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Exchange{}, fmt.Errorf("send analysis request: %w", err)
	}

	c.mu.Lock()
	snap := ex.clone()
	c.mu.Unlock()

	c.transitioned(ctx, StatePending)
	c.logger.Info("analysis requested", "request_id", ex.RequestID, "peer", peer.AgentID)
	return snap, nil
}

// Respond answers an analysis_request from the historical window and sends
// the reply to the requester. The reply is returned even when sending fails.
func (c *Coordinator) Respond(ctx context.Context, env *a2a.Envelope) (*a2a.Envelope, error) {
	req, ok := a2a.As[*a2a.AnalysisRequest](env)
	if !ok {
		return nil, fmt.Errorf("respond: envelope is %s, not %s", env.Type, a2a.KindAnalysisRequest)
	}

	ctx, span := c.tracer.Start(ctx, "analysis.respond", trace.WithAttributes(
		attribute.String("a2a.in_reply_to", env.MessageID),
		attribute.String("a2a.requester", env.From),
	))
	defer span.End()

	var stats history.Stats
	if c.deps.History != nil {
		stats = c.deps.History.Statistics()
	}

	reply := c.deps.Issuer.Reply(env, c.Answer(ctx, req, stats))
	resp, _ := a2a.As[*a2a.AnalysisResponse](reply)
	span.SetAttributes(attribute.Float64("analysis.confidence", resp.Confidence))

	c.appendEnvelope(ctx, ledger.EventAnalysisResponse, reply)
	c.deps.Hub.Publish(broadcast.EventAnalysisResponse, reply)

	url, ok := c.peerURL(env.From)
	if !ok {
		c.logger.Warn("cannot reply to analysis request, requester unknown", "from", env.From)
		return reply, ErrNoPeer
	}
	if _, err := c.deps.Sender.Send(ctx, url, reply); err != nil {
		c.logger.Warn("failed to send analysis response", "to", env.From, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reply, fmt.Errorf("send analysis response: %w", err)
	}

	c.logger.Info("sent analysis response", "to", env.From, "confidence", resp.Confidence)
	return reply, nil
}

// Answer builds the response payload for req. The reasoner's text wins when
// it produces any; otherwise the answer comes from FallbackAnswer.
func (c *Coordinator) Answer(ctx context.Context, req *a2a.AnalysisRequest, stats history.Stats) *a2a.AnalysisResponse {
	resp := &a2a.AnalysisResponse{
		Reasoning: a2a.Reasoning{
			Statistics:    stats.Rounded(),
			TotalReadings: stats.TotalReadings(),
		},
	}

	if c.deps.Reasoner != nil {
		text, err := c.deps.Reasoner.Analyze(ctx, reasoner.AnalysisPrompt(req, stats))
		switch {
		case err != nil:
			c.logger.Warn("reasoner failed, using statistical answer", "error", err)
		case strings.TrimSpace(text) == "":
			c.logger.Warn("reasoner returned no text, using statistical answer")
		default:
			resp.Answer = text
			resp.Confidence = ConfidenceReasoner
			resp.LFMThinking = text
			return resp
		}
	}

	resp.Answer, resp.Confidence = FallbackAnswer(req.Context.Current, stats)
	return resp
}

// FallbackAnswer is the deterministic answer used without a reasoner.
func FallbackAnswer(current a2a.Reading, stats history.Stats) (string, float64) {
	if stats.TotalReadings() == 0 {
		return AnswerNoHistory, ConfidenceNoHistory
	}
	if devs := history.Deviations(current, stats); len(devs) > 0 {
		return deviationsPrefix + history.JoinDeviations(devs), ConfidenceDeviations
	}
	return AnswerWithinRange, ConfidenceWithinRange
}

// HandleResponse settles the exchange env answers. It returns the decision
// when the response was accepted. Orphans, duplicates and late responses
// are logged and discarded.
func (c *Coordinator) HandleResponse(ctx context.Context, env *a2a.Envelope) (*a2a.Decision, bool) {
	resp, ok := a2a.As[*a2a.AnalysisResponse](env)
	if !ok {
		return nil, false
	}

	now := c.now()
	c.mu.Lock()
	ex, found := c.exchanges[env.InReplyTo]
	if !found {
		c.mu.Unlock()
		c.deps.Metrics.Exchange(metrics.ExchangeOrphan)
		c.logger.Warn("discarding orphan analysis response", "in_reply_to", env.InReplyTo, "from", env.From)
		return nil, false
	}
	if ex.State != StatePending {
		state := ex.State
		c.mu.Unlock()
		c.logger.Info("discarding response for settled exchange", "request_id", env.InReplyTo, "state", state)
		return nil, false
	}
	if now.Sub(ex.CreatedAt) > c.timeout {
		ex.State = StateTimedOut
		ex.UpdatedAt = now
		c.mu.Unlock()
		c.transitioned(ctx, StateTimedOut)
		c.logger.Warn("discarding late analysis response", "request_id", env.InReplyTo, "age", now.Sub(ex.CreatedAt))
		return nil, false
	}

	decision := &a2a.Decision{
		DecisionID:   uuid.NewString(),
		Participants: []string{c.deps.Issuer.AgentID(), env.From},
		Summary:      resp.Answer,
		Consensus:    a2a.ConsensusCollaborative,
		Reasoning:    resp.Reasoning,
	}
	answered := *resp
	ex.State = StateAnswered
	ex.Responder = env.From
	ex.Response = &answered
	ex.Decision = decision
	ex.UpdatedAt = now
	created := ex.CreatedAt
	c.mu.Unlock()

	c.transitioned(ctx, StateAnswered)
	c.roundTrip.Record(ctx, now.Sub(created).Seconds())

	decEnv := c.deps.Issuer.New(env.From, decision)
	c.appendEnvelope(ctx, ledger.EventDecision, decEnv)
	c.deps.Hub.Publish(broadcast.EventAnalysisResponse, env)
	c.deps.Hub.Publish(broadcast.EventDecision, decEnv)
	c.logger.Info("collaborative decision recorded", "decision_id", decision.DecisionID, "request_id", env.InReplyTo)

	c.notify(ctx, env.From, decEnv)
	return decision, true
}

// notify shares the decision with its other participant, best-effort.
func (c *Coordinator) notify(ctx context.Context, agentID string, env *a2a.Envelope) {
	url, ok := c.peerURL(agentID)
	if !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.wg.Go(func() {
		if _, err := c.deps.Sender.Send(ctx, url, env); err != nil {
			c.logger.Debug("failed to share decision", "to", agentID, "error", err)
		}
	})
}

// Sweep times out Pending exchanges older than the timeout and prunes
// settled ones older than ten timeouts. It returns how many timed out.
func (c *Coordinator) Sweep(now time.Time) int {
	timedOut := 0
	c.mu.Lock()
	for id, ex := range c.exchanges {
		switch {
		case ex.State == StatePending && now.Sub(ex.CreatedAt) > c.timeout:
			ex.State = StateTimedOut
			ex.UpdatedAt = now
			timedOut++
		case ex.State.Terminal() && now.Sub(ex.UpdatedAt) > pruneFactor*c.timeout:
			delete(c.exchanges, id)
		}
	}
	c.mu.Unlock()

	for range timedOut {
		c.transitioned(context.Background(), StateTimedOut)
	}
	if timedOut > 0 {
		c.logger.Warn("analysis requests timed out", "count", timedOut)
	}
	return timedOut
}

// Exchanges returns every tracked exchange, oldest first.
func (c *Coordinator) Exchanges() []Exchange {
	c.mu.Lock()
	out := make([]Exchange, 0, len(c.exchanges))
	for _, ex := range c.exchanges {
		out = append(out, ex.clone())
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b Exchange) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.RequestID, b.RequestID)
	})
	return out
}

// Exchange returns one exchange by request id.
func (c *Coordinator) Exchange(requestID string) (Exchange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.exchanges[requestID]
	if !ok {
		return Exchange{}, false
	}
	return ex.clone(), true
}

func (c *Coordinator) transitioned(ctx context.Context, s State) {
	c.deps.Metrics.Exchange(string(s))
	c.exchangeCount.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(s))))
}

func (c *Coordinator) peerURL(agentID string) (string, bool) {
	if c.deps.Peers == nil {
		return "", false
	}
	if p, ok := c.deps.Peers.Peer(agentID); ok {
		return p.URL, true
	}
	if p, ok := c.deps.Peers.Primary(); ok {
		return p.URL, true
	}
	return "", false
}

func (c *Coordinator) appendEnvelope(ctx context.Context, event string, env *a2a.Envelope) {
	if c.deps.Ledger == nil {
		return
	}
	data, err := a2a.Marshal(env)
	if err != nil {
		c.logger.Error("failed to encode envelope for ledger", "event", event, "error", err)
		return
	}
	rec, err := ledger.FromJSON(event, data)
	if err != nil {
		c.logger.Error("failed to build ledger record", "event", event, "error", err)
		return
	}
	if err := c.deps.Ledger.Append(ctx, rec); err != nil {
		c.logger.Error("failed to append to ledger", "event", event, "error", err)
	}
}
