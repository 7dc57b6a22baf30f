// ABOUTME: Periodic liveness ping to the primary peer
// ABOUTME: Keeps its own send bookkeeping and never marks peers as seen

package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/registry"
	"github.com/2389/agent-edge/internal/transport"
)

// DefaultInterval is the heartbeat period.
const DefaultInterval = 10 * time.Second

// Sender delivers an envelope to a peer URL.
type Sender interface {
	Send(ctx context.Context, peerURL string, env *a2a.Envelope) (*transport.Ack, error)
}

// PeerSource yields the peer heartbeats are addressed to.
type PeerSource interface {
	Primary() (registry.PeerRecord, bool)
}

// Stats is the loop's send bookkeeping. A successful send only proves the
// peer accepted one request; liveness is judged from inbound traffic.
type Stats struct {
	LastSent            time.Time `json:"last_sent"`
	Sent                int       `json:"sent"`
	Failed              int       `json:"failed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Loop sends heartbeats on a fixed period.
type Loop struct {
	issuer   *a2a.Issuer
	sender   Sender
	peers    PeerSource
	interval time.Duration
	logger   *slog.Logger

	rediscover func(ctx context.Context)

	mu    sync.Mutex
	stats Stats
}

// New creates a heartbeat loop. A non-positive interval uses DefaultInterval.
func New(issuer *a2a.Issuer, sender Sender, peers PeerSource, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		issuer:   issuer,
		sender:   sender,
		peers:    peers,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
	}
}

// SetRediscover installs a hook called on ticks where no peer is known yet.
func (l *Loop) SetRediscover(fn func(ctx context.Context)) {
	l.rediscover = fn
}

// Run ticks until ctx is cancelled. It always returns nil.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Debug("heartbeat loop started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat cycle. Send failures are logged and counted.
func (l *Loop) Tick(ctx context.Context) {
	peer, ok := l.peers.Primary()
	if !ok {
		if l.rediscover != nil {
			l.rediscover(ctx)
		}
		return
	}

	env := l.issuer.New(peer.AgentID, &a2a.Heartbeat{Status: a2a.StatusActive})
	_, err := l.sender.Send(ctx, peer.URL, env)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		l.stats.Failed++
		l.stats.ConsecutiveFailures++
		l.logger.Debug("heartbeat failed",
			"peer", peer.AgentID,
			"consecutive_failures", l.stats.ConsecutiveFailures,
			"error", err,
		)
		return
	}
	l.stats.Sent++
	l.stats.ConsecutiveFailures = 0
	l.stats.LastSent = env.Timestamp
}

// Stats returns a copy of the bookkeeping.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
