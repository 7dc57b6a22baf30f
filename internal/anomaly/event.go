// ABOUTME: AnomalyEvent emitted when a reading violates at least one threshold
// ABOUTME: Consumed by the analysis coordinator and forwarded to stream observers

package anomaly

import (
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

// Event records a reading that violated one or more thresholds.
type Event struct {
	Reasons        []string     `json:"reasons"`
	Reading        a2a.Reading  `json:"reading"`
	Previous       *a2a.Reading `json:"previous,omitempty"`
	ReasonerOutput string       `json:"lfm_thinking,omitempty"`
	DetectedAt     time.Time    `json:"detected_at"`
}

// NewEvent returns an Event, or false when reasons is empty.
func NewEvent(reading a2a.Reading, previous *a2a.Reading, reasons []string, at time.Time) (Event, bool) {
	if len(reasons) == 0 {
		return Event{}, false
	}
	ev := Event{
		Reasons:    append([]string(nil), reasons...),
		Reading:    reading,
		DetectedAt: at,
	}
	if previous != nil {
		prev := *previous
		ev.Previous = &prev
	}
	return ev, true
}

// WithReasonerOutput returns a copy of e carrying the local reasoning text.
func (e Event) WithReasonerOutput(text string) Event {
	e.ReasonerOutput = text
	return e
}
