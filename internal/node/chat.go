// ABOUTME: Dashboard chat: answers questions about the sensor data, via the reasoner when present
// ABOUTME: Without a reasoner, keyword matching picks the field to report

package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/broadcast"
	"github.com/2389/agent-edge/internal/history"
	"github.com/2389/agent-edge/internal/reasoner"
)

const (
	// peerFetchTimeout bounds the live-reading fetch from the peer.
	peerFetchTimeout = 2 * time.Second

	maxChatBodyBytes = 64 << 10

	siteLabel = "Site A"

	answerEmptyQuestion = "Please ask a question."
	answerNoData        = "No sensor data is available at this time."
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Question string `json:"question"`
}

// ChatResponse answers a ChatRequest. DataUsed is the reading the answer
// was based on, or an empty object.
type ChatResponse struct {
	Answer   string `json:"answer"`
	DataUsed any    `json:"data_used"`
}

func (n *Node) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		n.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		n.writeJSON(w, http.StatusOK, ChatResponse{Answer: answerEmptyQuestion, DataUsed: struct{}{}})
		return
	}

	ctx := r.Context()
	current := n.chatReading(ctx)
	n.relayQuery(ctx, question)

	stats := n.window.Statistics()
	answer := ""
	if n.reasoner != nil {
		text, err := n.reasoner.Analyze(ctx, reasoner.ChatPrompt(question, current, stats))
		if err != nil {
			n.logger.Warn("reasoner chat failed, answering from data", "error", err)
		}
		answer = strings.TrimSpace(text)
	}
	if answer == "" {
		answer = dataOnlyAnswer(question, current, stats)
	}

	n.hub.Publish(broadcast.EventChatQuery, map[string]string{"question": question, "answer": answer})

	var used any = struct{}{}
	if current != nil {
		used = current
	}
	n.writeJSON(w, http.StatusOK, ChatResponse{Answer: answer, DataUsed: used})
}

// handleChatStream streams reasoner tokens as SSE "token" events and ends
// with a "done" event carrying the full answer.
func (n *Node) handleChatStream(w http.ResponseWriter, r *http.Request) {
	question := strings.TrimSpace(r.URL.Query().Get("question"))
	if question == "" {
		n.sendJSONError(w, http.StatusBadRequest, "question is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		n.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	current := n.chatReading(ctx)
	stats := n.window.Statistics()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var full strings.Builder
	emit := func(token string) error {
		full.WriteString(token)
		n.writeSSEEvent(w, "token", map[string]string{"text": token})
		flusher.Flush()
		return ctx.Err()
	}

	if n.reasoner != nil {
		err := n.reasoner.Stream(ctx, reasoner.ChatPrompt(question, current, stats), emit)
		if err != nil && ctx.Err() == nil {
			n.logger.Warn("reasoner stream failed", "error", err)
			n.writeSSEEvent(w, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
		}
	}
	if ctx.Err() != nil {
		return
	}
	if strings.TrimSpace(full.String()) == "" {
		full.Reset()
		_ = emit(dataOnlyAnswer(question, current, stats))
	}

	answer := strings.TrimSpace(full.String())
	n.hub.Publish(broadcast.EventChatQuery, map[string]string{"question": question, "answer": answer})
	n.writeSSEEvent(w, "done", map[string]string{"answer": answer})
	flusher.Flush()
}

// chatReading finds the freshest reading: the peer's live value, then our own.
func (n *Node) chatReading(ctx context.Context) *a2a.Reading {
	if r, ok := n.fetchPeerReading(ctx); ok {
		return &r
	}
	if r, ok := n.localReading(); ok {
		return &r
	}
	return nil
}

func (n *Node) fetchPeerReading(ctx context.Context) (a2a.Reading, bool) {
	peer, ok := n.registry.Primary()
	if !ok {
		return a2a.Reading{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, peerFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.URL+"/api/sensor/current", nil)
	if err != nil {
		return a2a.Reading{}, false
	}
	resp, err := n.peerHTTP.Do(req)
	if err != nil {
		n.logger.Debug("peer reading unavailable", "peer", peer.AgentID, "error", err)
		return a2a.Reading{}, false
	}
	defer resp.Body.Close()

	var body CurrentResponse
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		return a2a.Reading{}, false
	}
	if body.Status != "ok" || body.Reading == nil {
		return a2a.Reading{}, false
	}
	return *body.Reading, true
}

// relayQuery tells the peer what was asked. Failures only get logged.
func (n *Node) relayQuery(ctx context.Context, question string) {
	peer, ok := n.registry.Primary()
	if !ok {
		return
	}
	env := n.issuer.New(peer.AgentID, &a2a.Query{Question: question, Source: a2a.QuerySourceDashboard})
	n.spawn(ctx, func(ctx context.Context) {
		if _, err := n.client.Send(ctx, peer.URL, env); err != nil {
			n.logger.Debug("query relay failed", "peer", peer.AgentID, "error", err)
		}
	})
}

var (
	humidityPattern    = regexp.MustCompile(`humid`)
	temperaturePattern = regexp.MustCompile(`temp`)
	eco2Pattern        = regexp.MustCompile(`eco2|co2|carbon`)
	tvocPattern        = regexp.MustCompile(`tvoc|voc`)
	aqiPattern         = regexp.MustCompile(`aqi|air.?quality`)
)

// dataOnlyAnswer answers from the reading and statistics alone. The first
// field keyword found in the question wins.
func dataOnlyAnswer(question string, current *a2a.Reading, stats history.Stats) string {
	q := strings.ToLower(question)

	if current != nil {
		switch {
		case humidityPattern.MatchString(q):
			return fmt.Sprintf("Current humidity at %s is %s%%.", siteLabel, decimal(current.Humidity))
		case temperaturePattern.MatchString(q):
			return fmt.Sprintf("Current temperature at %s is %sC.", siteLabel, decimal(current.Temperature))
		case eco2Pattern.MatchString(q):
			return fmt.Sprintf("Current eCO2 at %s is %d ppm.", siteLabel, current.ECO2)
		case tvocPattern.MatchString(q):
			return fmt.Sprintf("Current TVOC at %s is %d ppb.", siteLabel, current.TVOC)
		case aqiPattern.MatchString(q):
			return fmt.Sprintf("Current AQI at %s is %d/5.", siteLabel, current.AQI)
		}
		return fmt.Sprintf("%s sensor readings: temperature %sC, humidity %s%%, eCO2 %d ppm, TVOC %d ppb, AQI %d/5.",
			siteLabel, decimal(current.Temperature), decimal(current.Humidity), current.ECO2, current.TVOC, current.AQI)
	}

	if len(stats) > 0 {
		rounded := stats.Rounded()
		var parts []string
		for _, f := range a2a.SensorFields {
			if fs, ok := rounded[f]; ok {
				parts = append(parts, fmt.Sprintf("%s: mean=%s", f, decimal(fs.Mean)))
			}
		}
		return "No live data available. Historical averages: " + strings.Join(parts, ", ") + "."
	}
	return answerNoData
}

// decimal renders v with at least one fractional digit: 24 -> "24.0".
func decimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
