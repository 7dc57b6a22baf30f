// ABOUTME: Message kinds and their fixed payload shapes
// ABOUTME: Each kind maps to exactly one payload struct with statically typed fields

package a2a

import (
	"fmt"
	"slices"
)

// Kind is the envelope "type" discriminator.
type Kind string

const (
	KindAgentCard         Kind = "agent_card"
	KindSensorObservation Kind = "sensor_observation"
	KindAnalysisRequest   Kind = "analysis_request"
	KindAnalysisResponse  Kind = "analysis_response"
	KindDecision          Kind = "decision"
	KindHeartbeat         Kind = "heartbeat"
	KindQuery             Kind = "query"
	KindQueryResponse     Kind = "query_response"
)

// Kinds lists every recognized message kind.
var Kinds = []Kind{
	KindAgentCard,
	KindSensorObservation,
	KindAnalysisRequest,
	KindAnalysisResponse,
	KindDecision,
	KindHeartbeat,
	KindQuery,
	KindQueryResponse,
}

// Known reports whether k is one of the recognized kinds.
func (k Kind) Known() bool {
	return slices.Contains(Kinds, k)
}

// AgentStatus is the self-reported health of an agent.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusDegraded AgentStatus = "degraded"
	StatusOffline  AgentStatus = "offline"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	return s == StatusActive || s == StatusDegraded || s == StatusOffline
}

const (
	// DefaultSensorModel is the sensor module name carried by observations.
	DefaultSensorModel = "ENS160+AHT21"
	// ConsensusCollaborative labels decisions reached through an analysis exchange.
	ConsensusCollaborative = "collaborative_analysis"
	// QuerySourceDashboard marks queries originating from a dashboard chat.
	QuerySourceDashboard = "dashboard"
)

// Payload is implemented by every kind-specific payload.
type Payload interface {
	Kind() Kind
	validate() error
	normalize()
}

// Endpoints are the three URLs an agent advertises.
type Endpoints struct {
	A2A    string `json:"a2a"`
	Health string `json:"health"`
	Stream string `json:"stream"`
}

// AgentCard is an agent's self-description used for discovery.
type AgentCard struct {
	AgentID      string      `json:"agent_id"`
	Capabilities []string    `json:"capabilities"`
	Model        string      `json:"model"`
	Endpoints    Endpoints   `json:"endpoints"`
	Status       AgentStatus `json:"status"`
}

func (*AgentCard) Kind() Kind { return KindAgentCard }

func (c *AgentCard) validate() error {
	if c.AgentID == "" {
		return missing(KindAgentCard, "payload.agent_id")
	}
	if !c.Status.Valid() {
		return invalid(KindAgentCard, "payload.status", fmt.Sprintf("has unknown value %q", c.Status))
	}
	return nil
}

func (c *AgentCard) normalize() {
	if c.Capabilities == nil {
		c.Capabilities = []string{}
	}
}

// SensorObservation carries one reading forwarded to the peer.
type SensorObservation struct {
	Sensor string `json:"sensor,omitempty"`
	Reading
	Location string `json:"location,omitempty"`
}

func (*SensorObservation) Kind() Kind { return KindSensorObservation }

func (*SensorObservation) validate() error { return nil }

func (*SensorObservation) normalize() {}

// AnalysisContext is the evidence attached to an analysis request.
type AnalysisContext struct {
	Current        Reading  `json:"current"`
	Previous       *Reading `json:"previous,omitempty"`
	AnomalyReasons []string `json:"anomaly_reasons"`
}

// AnalysisRequest asks the peer to analyze an anomaly with historical context.
type AnalysisRequest struct {
	Question    string          `json:"question"`
	Context     AnalysisContext `json:"context"`
	LFMThinking string          `json:"lfm_thinking,omitempty"`
}

func (*AnalysisRequest) Kind() Kind { return KindAnalysisRequest }

func (r *AnalysisRequest) validate() error {
	if r.Question == "" {
		return missing(KindAnalysisRequest, "payload.question")
	}
	return nil
}

func (r *AnalysisRequest) normalize() {
	if r.Context.AnomalyReasons == nil {
		r.Context.AnomalyReasons = []string{}
	}
}

// FieldStats summarizes one field over the historical window.
type FieldStats struct {
	Mean  float64 `json:"mean"`
	Stdev float64 `json:"stdev"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Reasoning is the structured context behind an answer or decision.
type Reasoning struct {
	Statistics    map[Field]FieldStats `json:"statistics"`
	TotalReadings int                  `json:"total_readings"`
}

func (r *Reasoning) normalize() {
	if r.Statistics == nil {
		r.Statistics = map[Field]FieldStats{}
	}
}

// AnalysisResponse answers an AnalysisRequest. The envelope's InReplyTo
// carries the request's message id.
type AnalysisResponse struct {
	Answer      string    `json:"answer"`
	Confidence  float64   `json:"confidence"`
	Reasoning   Reasoning `json:"reasoning"`
	LFMThinking string    `json:"lfm_thinking,omitempty"`
}

func (*AnalysisResponse) Kind() Kind { return KindAnalysisResponse }

func (r *AnalysisResponse) validate() error {
	if r.Answer == "" {
		return missing(KindAnalysisResponse, "payload.answer")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return invalid(KindAnalysisResponse, "payload.confidence", "must be within [0,1]")
	}
	return nil
}

func (r *AnalysisResponse) normalize() { r.Reasoning.normalize() }

// Decision is the logged outcome of a completed analysis exchange.
type Decision struct {
	DecisionID   string    `json:"decision_id"`
	Participants []string  `json:"participants"`
	Summary      string    `json:"summary"`
	Consensus    string    `json:"consensus"`
	Reasoning    Reasoning `json:"reasoning"`
}

func (*Decision) Kind() Kind { return KindDecision }

func (d *Decision) validate() error {
	if d.DecisionID == "" {
		return missing(KindDecision, "payload.decision_id")
	}
	if len(d.Participants) == 0 {
		return invalid(KindDecision, "payload.participants", "must not be empty")
	}
	if d.Consensus == "" {
		return missing(KindDecision, "payload.consensus")
	}
	return nil
}

func (d *Decision) normalize() { d.Reasoning.normalize() }

// Heartbeat is a liveness ping.
type Heartbeat struct {
	Status AgentStatus `json:"status"`
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

func (h *Heartbeat) validate() error {
	if !h.Status.Valid() {
		return invalid(KindHeartbeat, "payload.status", fmt.Sprintf("has unknown value %q", h.Status))
	}
	return nil
}

func (*Heartbeat) normalize() {}

// Query is a natural-language question relayed between agents.
type Query struct {
	Question string            `json:"question"`
	Source   string            `json:"source,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

func (*Query) Kind() Kind { return KindQuery }

func (q *Query) validate() error {
	if q.Question == "" {
		return missing(KindQuery, "payload.question")
	}
	return nil
}

// An empty context is omitted on the wire, so it reads back as nil.
func (q *Query) normalize() {
	if len(q.Context) == 0 {
		q.Context = nil
	}
}

// QueryResponse answers a Query.
type QueryResponse struct {
	Answer      string   `json:"answer"`
	Data        *Reading `json:"data,omitempty"`
	SourceAgent string   `json:"source_agent,omitempty"`
}

func (*QueryResponse) Kind() Kind { return KindQueryResponse }

func (*QueryResponse) validate() error { return nil }

func (*QueryResponse) normalize() {}

// payloadSpec describes how to decode one kind.
type payloadSpec struct {
	new      func() Payload
	required []string
}

// payloadSpecs lists required payload paths per kind. A segment ending in
// "?" marks an optional parent: the rest of the path is only checked when
// that parent is present.
var payloadSpecs = map[Kind]payloadSpec{
	KindAgentCard: {
		new:      func() Payload { return &AgentCard{} },
		required: []string{"agent_id", "capabilities", "model", "endpoints", "endpoints.a2a", "endpoints.health", "endpoints.stream", "status"},
	},
	KindSensorObservation: {
		new:      func() Payload { return &SensorObservation{} },
		required: readingPaths,
	},
	KindAnalysisRequest: {
		new: func() Payload { return &AnalysisRequest{} },
		required: append(append([]string{"question", "context", "context.current"},
			prefixPaths("context.current.", readingPaths)...),
			prefixPaths("context.previous?.", readingPaths)...),
	},
	KindAnalysisResponse: {
		new:      func() Payload { return &AnalysisResponse{} },
		required: []string{"answer", "confidence"},
	},
	KindDecision: {
		new:      func() Payload { return &Decision{} },
		required: []string{"decision_id", "participants", "summary", "consensus"},
	},
	KindHeartbeat: {
		new:      func() Payload { return &Heartbeat{} },
		required: []string{"status"},
	},
	KindQuery: {
		new:      func() Payload { return &Query{} },
		required: []string{"question"},
	},
	KindQueryResponse: {
		new:      func() Payload { return &QueryResponse{} },
		required: []string{"answer"},
	},
}

func prefixPaths(prefix string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = prefix + p
	}
	return out
}
