// ABOUTME: Tests for dashboard reads, chat answers and the metrics endpoint
// ABOUTME: Chat runs both with a fake reasoner and with the keyword fallback

package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/config"
	"github.com/2389/agent-edge/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReasoner struct {
	answer string
	tokens []string
	err    error
	prompt string
}

func (r *fakeReasoner) Analyze(_ context.Context, prompt string) (string, error) {
	r.prompt = prompt
	return r.answer, r.err
}

func (r *fakeReasoner) Stream(_ context.Context, prompt string, onToken func(string) error) error {
	r.prompt = prompt
	for _, tok := range r.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return r.err
}

func chat(t *testing.T, h http.Handler, question string) ChatResponse {
	t.Helper()
	body, err := json.Marshal(ChatRequest{Question: question})
	require.NoError(t, err)
	rec := postRaw(h, "/api/chat", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ChatResponse](t, rec)
}

func feed(t *testing.T, n *Node, readings ...a2a.Reading) {
	t.Helper()
	issuer := a2a.NewIssuer("jetson-site-a")
	for _, r := range readings {
		require.Equal(t, http.StatusOK, postEnvelope(t, n.Handler(), observation(issuer, r)).Code)
	}
}

func TestHealth_ServesParseableCard(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleSensor))
	rec := get(n.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	card, err := a2a.ParseAgentCard(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jetson-site-a", card.AgentID)
	assert.Equal(t, "lfm2.5-thinking", card.Model)
}

func TestStats_AndHistory(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	r1, r2 := sampleReading(), sampleReading()
	r2.Temperature = 25.5
	feed(t, n, r1, r2)

	stats := decode[StatsResponse](t, get(n.Handler(), "/api/stats"))
	assert.Equal(t, 2, stats.TotalReadings)
	assert.Len(t, stats.RecentReadings, 2)
	assert.InDelta(t, 25.0, stats.Statistics[a2a.FieldTemperature].Mean, 1e-9)

	hist := decode[struct {
		Readings []a2a.Reading `json:"readings"`
		Count    int           `json:"count"`
	}](t, get(n.Handler(), "/api/history?limit=1"))
	assert.Equal(t, 1, hist.Count)
	require.Len(t, hist.Readings, 1)
	assert.Equal(t, 25.5, hist.Readings[0].Temperature, "limit keeps the newest readings")

	assert.Equal(t, http.StatusBadRequest, get(n.Handler(), "/api/history?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(n.Handler(), "/api/history?limit=0").Code)
}

func TestCurrent_NoData(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleSensor))
	current := decode[CurrentResponse](t, get(n.Handler(), "/api/sensor/current"))
	assert.Equal(t, "no_data", current.Status)
	assert.Nil(t, current.Reading)
}

func TestExchanges_EmptyList(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleSensor))
	rec := get(n.Handler(), "/api/exchanges")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"exchanges":[]}`, rec.Body.String())
}

func TestMetrics_Endpoint(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	feed(t, n, sampleReading())

	rec := get(n.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agent_edge_messages_received_total{status="received",type="sensor_observation"} 1`)
}

func TestMetrics_DisabledIsNotFound(t *testing.T) {
	cfg := testConfig(t, config.RoleControl)
	cfg.Metrics.Enabled = false
	n := newTestNode(t, cfg)
	assert.Equal(t, http.StatusNotFound, get(n.Handler(), "/metrics").Code)
}

func TestChat_DataOnlyAnswer(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	feed(t, n, sampleReading())

	resp := chat(t, n.Handler(), "What's the temperature right now?")
	assert.Equal(t, "Current temperature at Site A is 24.5C.", resp.Answer)

	used, ok := resp.DataUsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 450.0, used["eco2"])
}

func TestChat_EmptyQuestion(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	resp := chat(t, n.Handler(), "   ")
	assert.Equal(t, "Please ask a question.", resp.Answer)
	assert.Equal(t, map[string]any{}, resp.DataUsed)
}

func TestChat_NoData(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	resp := chat(t, n.Handler(), "how is the air?")
	assert.Equal(t, "No sensor data is available at this time.", resp.Answer)
}

func TestChat_InvalidBody(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	rec := postRaw(n.Handler(), "/api/chat", []byte("nope"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_UsesReasoner(t *testing.T) {
	r := &fakeReasoner{answer: "  Air quality is good.  "}
	n := newTestNode(t, testConfig(t, config.RoleControl), WithReasoner(r))
	feed(t, n, sampleReading())

	resp := chat(t, n.Handler(), "Is the air OK?")
	assert.Equal(t, "Air quality is good.", resp.Answer)
	assert.Contains(t, r.prompt, "User question: Is the air OK?")
	assert.Contains(t, r.prompt, "- eCO2: 450 ppm")
}

func TestChat_ReasonerFailureFallsBack(t *testing.T) {
	r := &fakeReasoner{err: errors.New("model offline")}
	n := newTestNode(t, testConfig(t, config.RoleControl), WithReasoner(r))
	feed(t, n, sampleReading())

	resp := chat(t, n.Handler(), "humidity?")
	assert.Equal(t, "Current humidity at Site A is 65.2%.", resp.Answer)
}

func TestChat_PrefersPeerReading(t *testing.T) {
	sensorNode := newTestNode(t, testConfig(t, config.RoleSensor))
	live := sampleReading()
	live.ECO2 = 777
	sensorNode.pipeline.Process(t.Context(), live)
	sensorURL := serve(t, sensorNode)

	cfg := testConfig(t, config.RoleControl)
	cfg.Peer.URL = sensorURL
	control := newTestNode(t, cfg)
	_, ok := control.registry.Discover(t.Context(), sensorURL)
	require.True(t, ok)
	feed(t, control, sampleReading())

	resp := chat(t, control.Handler(), "co2 level?")
	assert.Equal(t, "Current eCO2 at Site A is 777 ppm.", resp.Answer)
}

func TestChatStream_Tokens(t *testing.T) {
	r := &fakeReasoner{tokens: []string{"All ", "clear."}}
	n := newTestNode(t, testConfig(t, config.RoleControl), WithReasoner(r))

	rec := get(n.Handler(), "/api/chat/stream?question=status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, formatSSEEvent("token", `{"text":"All "}`))
	assert.Contains(t, body, formatSSEEvent("token", `{"text":"clear."}`))
	assert.True(t, strings.HasSuffix(body, formatSSEEvent("done", `{"answer":"All clear."}`)))
}

func TestChatStream_FallsBackWithoutReasoner(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	rec := get(n.Handler(), "/api/chat/stream?question=temp")

	body := rec.Body.String()
	assert.Contains(t, body, "event: token")
	assert.Contains(t, body, "No sensor data is available at this time.")
	assert.Contains(t, body, "event: done")
}

func TestChatStream_RequiresQuestion(t *testing.T) {
	n := newTestNode(t, testConfig(t, config.RoleControl))
	assert.Equal(t, http.StatusBadRequest, get(n.Handler(), "/api/chat/stream").Code)
}

func TestDataOnlyAnswer(t *testing.T) {
	cur := &a2a.Reading{Temperature: 24, Humidity: 65.2, ECO2: 1200, TVOC: 130, AQI: 3}
	stats := history.Stats{
		a2a.FieldTemperature: {Mean: 23.456, Count: 4},
		a2a.FieldECO2:        {Mean: 500, Count: 4},
	}

	tests := []struct {
		name     string
		question string
		current  *a2a.Reading
		stats    history.Stats
		want     string
	}{
		{"humidity wins over temperature", "Humidity and temperature?", cur, nil, "Current humidity at Site A is 65.2%."},
		{"temperature", "TEMP please", cur, nil, "Current temperature at Site A is 24.0C."},
		{"carbon", "any carbon?", cur, nil, "Current eCO2 at Site A is 1200 ppm."},
		{"voc", "VOC level", cur, nil, "Current TVOC at Site A is 130 ppb."},
		{"air quality", "how is the air quality", cur, nil, "Current AQI at Site A is 3/5."},
		{"summary", "status report", cur, nil,
			"Site A sensor readings: temperature 24.0C, humidity 65.2%, eCO2 1200 ppm, TVOC 130 ppb, AQI 3/5."},
		{"history only", "temperature?", nil, stats,
			"No live data available. Historical averages: temperature: mean=23.46, eco2: mean=500.0."},
		{"nothing", "anything", nil, nil, "No sensor data is available at this time."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dataOnlyAnswer(tt.question, tt.current, tt.stats))
		})
	}
}
