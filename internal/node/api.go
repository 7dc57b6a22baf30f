// ABOUTME: HTTP routes for discovery, dashboard reads and metrics
// ABOUTME: Every error response is JSON {"error": msg}

package node

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/coordinator"
	"github.com/2389/agent-edge/internal/history"
	"github.com/2389/agent-edge/internal/registry"
	"github.com/2389/agent-edge/internal/transport"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
	recentReadingsLimit = 10
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Statistics     history.Stats `json:"statistics"`
	TotalReadings  int           `json:"total_readings"`
	RecentReadings []a2a.Reading `json:"recent_readings"`
}

// CurrentResponse is the body of GET /api/sensor/current.
type CurrentResponse struct {
	Status  string       `json:"status"`
	Reading *a2a.Reading `json:"reading,omitempty"`
}

// AgentEntry is one registry entry with its liveness.
type AgentEntry struct {
	registry.PeerRecord
	Online bool `json:"online"`
}

// AgentsResponse is the body of GET /api/agents.
type AgentsResponse struct {
	Self   *a2a.AgentCard `json:"self"`
	Agents []AgentEntry   `json:"agents"`
}

func (n *Node) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", n.handleHealth)
	mux.HandleFunc("POST "+transport.MessagePath, n.handleMessage)
	mux.HandleFunc("GET /stream", n.handleStream)
	mux.HandleFunc("GET /api/events", n.handleEvents)

	mux.HandleFunc("GET /api/stats", n.handleStats)
	mux.HandleFunc("GET /api/history", n.handleHistory)
	mux.HandleFunc("GET /api/sensor/current", n.handleCurrent)
	mux.HandleFunc("GET /api/agents", n.handleAgents)
	mux.HandleFunc("GET /api/exchanges", n.handleExchanges)
	mux.HandleFunc("POST /api/chat", n.handleChat)
	mux.HandleFunc("GET /api/chat/stream", n.handleChatStream)

	if n.metrics != nil {
		mux.Handle("GET "+n.config.Metrics.Path, n.metrics.Handler())
	}
	return mux
}

// handleHealth serves the agent card; peers use it for discovery.
func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, n.Card())
}

func (n *Node) handleStats(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, StatsResponse{
		Statistics:     n.window.Statistics().Rounded(),
		TotalReadings:  n.window.Len(),
		RecentReadings: n.recentReadings(recentReadingsLimit),
	})
}

func (n *Node) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			n.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(v, maxHistoryLimit)
	}
	readings := n.recentReadings(limit)
	n.writeJSON(w, http.StatusOK, map[string]any{
		"readings": readings,
		"count":    len(readings),
	})
}

func (n *Node) handleCurrent(w http.ResponseWriter, r *http.Request) {
	reading, ok := n.localReading()
	if !ok {
		n.writeJSON(w, http.StatusOK, CurrentResponse{Status: "no_data"})
		return
	}
	n.writeJSON(w, http.StatusOK, CurrentResponse{Status: "ok", Reading: &reading})
}

func (n *Node) handleAgents(w http.ResponseWriter, r *http.Request) {
	peers := n.registry.Peers()
	agents := make([]AgentEntry, 0, len(peers))
	for _, p := range peers {
		agents = append(agents, AgentEntry{
			PeerRecord: p,
			Online:     n.registry.IsOnline(p.AgentID, n.config.Peer.StaleAfter),
		})
	}
	n.writeJSON(w, http.StatusOK, AgentsResponse{Self: n.Card(), Agents: agents})
}

func (n *Node) handleExchanges(w http.ResponseWriter, r *http.Request) {
	exchanges := n.coordinator.Exchanges()
	if exchanges == nil {
		exchanges = []coordinator.Exchange{}
	}
	n.writeJSON(w, http.StatusOK, map[string]any{"exchanges": exchanges})
}

// localReading returns the newest reading this agent knows: its own sensor
// first, then the newest observation in the window.
func (n *Node) localReading() (a2a.Reading, bool) {
	if r, ok := n.pipeline.Latest(); ok {
		return r, true
	}
	if s, ok := n.window.Latest(); ok {
		return s.Reading(), true
	}
	return a2a.Reading{}, false
}

func (n *Node) recentReadings(limit int) []a2a.Reading {
	samples := n.window.Recent(limit)
	readings := make([]a2a.Reading, len(samples))
	for i, s := range samples {
		readings[i] = s.Reading()
	}
	return readings
}

func (n *Node) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		n.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (n *Node) sendJSONError(w http.ResponseWriter, status int, message string) {
	n.writeJSON(w, status, map[string]string{"error": message})
}
