// ABOUTME: AnalysisExchange record and its Pending, Answered and TimedOut states
// ABOUTME: Exchanges are copied out of the coordinator so callers never share them

package coordinator

import (
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

// State is an exchange's lifecycle position.
type State string

const (
	StatePending  State = "pending"
	StateAnswered State = "answered"
	StateTimedOut State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAnswered || s == StateTimedOut
}

// Exchange correlates one analysis request with its eventual response.
type Exchange struct {
	RequestID string                `json:"request_id"`
	Requester string                `json:"requester"`
	Responder string                `json:"responder"`
	Context   a2a.AnalysisContext   `json:"context"`
	Thinking  string                `json:"lfm_thinking,omitempty"`
	Response  *a2a.AnalysisResponse `json:"response,omitempty"`
	Decision  *a2a.Decision         `json:"decision,omitempty"`
	State     State                 `json:"state"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (e *Exchange) clone() Exchange {
	out := *e
	out.Context.AnomalyReasons = append([]string{}, e.Context.AnomalyReasons...)
	if e.Context.Previous != nil {
		prev := *e.Context.Previous
		out.Context.Previous = &prev
	}
	if e.Response != nil {
		resp := *e.Response
		out.Response = &resp
	}
	if e.Decision != nil {
		d := *e.Decision
		d.Participants = append([]string{}, e.Decision.Participants...)
		out.Decision = &d
	}
	return out
}
