// ABOUTME: Peer registry keyed by agent id, filled by /health discovery and agent cards
// ABOUTME: Tracks last_seen per peer; the first discovered peer is the primary

package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

const (
	// HealthPath serves the AgentCard and doubles as the discovery probe.
	HealthPath = "/health"

	// DefaultStaleAfter is how long a peer stays online without traffic.
	DefaultStaleAfter = 30 * time.Second

	// DefaultProbeTimeout bounds a single discovery probe.
	DefaultProbeTimeout = 3 * time.Second
)

// PeerRecord is what the registry knows about one peer.
type PeerRecord struct {
	AgentID      string        `json:"agent_id"`
	URL          string        `json:"url"`
	Card         a2a.AgentCard `json:"card"`
	DiscoveredAt time.Time     `json:"discovered_at"`
	LastSeen     time.Time     `json:"last_seen"`
}

// Registry holds discovered peers. Records are never removed.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*PeerRecord
	order []string

	http         *http.Client
	probeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// New creates an empty Registry that probes peers with httpClient.
func New(httpClient *http.Client, logger *slog.Logger) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		peers:        make(map[string]*PeerRecord),
		http:         httpClient,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		logger:       logger.With("component", "registry"),
	}
}

// WithClock replaces the clock, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithProbeTimeout overrides the discovery probe timeout.
func (r *Registry) WithProbeTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.probeTimeout = d
	}
	return r
}

// Discover probes peerURL's health endpoint and stores the card it serves.
// On any failure the registry is left untouched and false is returned.
func (r *Registry) Discover(ctx context.Context, peerURL string) (PeerRecord, bool) {
	base := strings.TrimRight(peerURL, "/")

	card, err := r.probe(ctx, base)
	if err != nil {
		r.logger.Debug("discovery failed", "peer_url", base, "error", err)
		return PeerRecord{}, false
	}

	rec := r.store(*card, base)
	r.logger.Info("peer discovered",
		"agent_id", rec.AgentID,
		"url", rec.URL,
		"capabilities", rec.Card.Capabilities,
		"model", rec.Card.Model,
	)
	return rec, true
}

func (r *Registry) probe(ctx context.Context, base string) (*a2a.AgentCard, error) {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+HealthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read card: %w", err)
	}
	return a2a.ParseAgentCard(data)
}

// Upsert stores a card received as an agent_card message. An empty url is
// derived from the card's a2a endpoint.
func (r *Registry) Upsert(card a2a.AgentCard, url string) PeerRecord {
	if url == "" {
		url = strings.TrimSuffix(card.Endpoints.A2A, "/a2a/message")
	}
	return r.store(card, strings.TrimRight(url, "/"))
}

func (r *Registry) store(card a2a.AgentCard, url string) PeerRecord {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[card.AgentID]
	if !ok {
		rec = &PeerRecord{AgentID: card.AgentID, DiscoveredAt: now}
		r.peers[card.AgentID] = rec
		r.order = append(r.order, card.AgentID)
	}
	rec.Card = card
	if url != "" {
		rec.URL = url
	}
	rec.LastSeen = now
	return snapshot(rec)
}

// Touch refreshes last_seen for a known peer. Unknown ids are ignored and
// reported with false.
func (r *Registry) Touch(agentID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[agentID]
	if !ok {
		return false
	}
	rec.LastSeen = now
	return true
}

// IsOnline reports whether agentID was seen less than staleAfter ago.
func (r *Registry) IsOnline(agentID string, staleAfter time.Duration) bool {
	r.mu.RLock()
	rec, ok := r.peers[agentID]
	var last time.Time
	if ok {
		last = rec.LastSeen
	}
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return r.now().Sub(last) < staleAfter
}

// Primary returns the first peer ever discovered.
func (r *Registry) Primary() (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return PeerRecord{}, false
	}
	return snapshot(r.peers[r.order[0]]), true
}

// Peer returns a copy of one record.
func (r *Registry) Peer(agentID string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.peers[agentID]
	if !ok {
		return PeerRecord{}, false
	}
	return snapshot(rec), true
}

// Peers returns copies of every record in discovery order.
func (r *Registry) Peers() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, snapshot(r.peers[id]))
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func snapshot(rec *PeerRecord) PeerRecord {
	out := *rec
	out.Card.Capabilities = append([]string{}, rec.Card.Capabilities...)
	return out
}
