// ABOUTME: In-memory fan-out of agent events to stream observers
// ABOUTME: Publish never blocks; slow subscribers lose events instead of stalling the agent

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-edge/internal/metrics"
)

// Event names pushed to observers.
const (
	EventSensorObservation = "sensor_observation"
	EventSensorStatus      = "sensor_status"
	EventAnomalyDetected   = "anomaly_detected"
	EventA2AMessage        = "a2a_message"
	EventAnalysisResponse  = "analysis_response"
	EventDecision          = "decision"
	EventQueryResponse     = "query_response"
	EventChatQuery         = "chat_query"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event is one stream message: {"event": name, "data": payload}.
type Event struct {
	Name string    `json:"event"`
	Data any       `json:"data"`
	At   time.Time `json:"timestamp"`
}

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(name string, data any)
}

// Hub delivers every published event to every current subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewHub creates a hub. m and logger may be nil.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan Event),
		metrics:     m,
		logger:      logger.With("component", "broadcast"),
	}
}

// Subscribe registers an observer. The channel closes when ctx is cancelled,
// when Unsubscribe is called with the returned id, or when the hub closes.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	h.subscribers[subID] = ch
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", subID, "subscribers", count)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish fans data out under name. Delivery happens under the read lock so
// a concurrent Unsubscribe cannot close a channel mid-send; sends are
// non-blocking so the lock is held only briefly.
func (h *Hub) Publish(name string, data any) {
	ev := Event{Name: name, Data: data, At: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.metrics.StreamDropped()
			h.logger.Debug("dropped event for slow subscriber", "sub_id", id, "event", name)
		}
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	close(ch)

	h.logger.Debug("subscriber removed", "sub_id", subID)
}

// Subscribers returns the number of connected observers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.closed = true
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, any) {}
