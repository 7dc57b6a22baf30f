// ABOUTME: Issuer stamps outgoing envelopes with a uuid and a non-decreasing timestamp
// ABOUTME: Also builds this agent's AgentCard from its host, port and capabilities

package a2a

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Issuer creates envelopes on behalf of one agent.
type Issuer struct {
	agentID string

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewIssuer returns an Issuer for agentID using the wall clock.
func NewIssuer(agentID string) *Issuer {
	return &Issuer{agentID: agentID, now: time.Now}
}

// WithClock replaces the clock, for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// AgentID returns the sender id stamped on every envelope.
func (i *Issuer) AgentID() string {
	return i.agentID
}

// New returns an envelope of the payload's kind addressed to "to" (may be empty).
func (i *Issuer) New(to string, payload Payload) *Envelope {
	payload.normalize()
	return &Envelope{
		Type:      payload.Kind(),
		From:      i.agentID,
		To:        to,
		MessageID: uuid.NewString(),
		Timestamp: i.stamp(),
		Payload:   payload,
	}
}

// Reply returns an envelope answering req.
func (i *Issuer) Reply(req *Envelope, payload Payload) *Envelope {
	env := i.New(req.From, payload)
	env.InReplyTo = req.MessageID
	return env
}

// stamp returns the current UTC time, clamped so it never precedes the previous stamp.
func (i *Issuer) stamp() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()

	t := i.now().UTC()
	if t.Before(i.last) {
		t = i.last
	}
	i.last = t
	return t
}

// NewAgentCard builds the card an agent serves from its health endpoint.
func NewAgentCard(agentID, host string, port int, capabilities []string, model string) *AgentCard {
	base := fmt.Sprintf("%s:%d", host, port)
	return &AgentCard{
		AgentID:      agentID,
		Capabilities: append([]string{}, capabilities...),
		Model:        model,
		Endpoints: Endpoints{
			A2A:    "http://" + base + "/a2a/message",
			Health: "http://" + base + "/health",
			Stream: "ws://" + base + "/stream",
		},
		Status: StatusActive,
	}
}

// ParseAgentCard decodes a card served by a health endpoint.
func ParseAgentCard(data []byte) (*AgentCard, error) {
	if err := requirePaths(KindAgentCard, data, payloadSpecs[KindAgentCard].required); err != nil {
		return nil, err
	}
	card := &AgentCard{}
	if err := json.Unmarshal(data, card); err != nil {
		return nil, decodeError(KindAgentCard, "payload.", err)
	}
	card.normalize()
	if err := card.validate(); err != nil {
		return nil, err
	}
	return card, nil
}
