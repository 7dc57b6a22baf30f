// ABOUTME: Tests for the heartbeat loop with fake senders and peer sources
// ABOUTME: Verifies bookkeeping, failure swallowing and the rediscover hook

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/registry"
	"github.com/2389/agent-edge/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []*a2a.Envelope
	urls []string
}

func (s *fakeSender) Send(_ context.Context, url string, env *a2a.Envelope) (*transport.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	s.urls = append(s.urls, url)
	if s.err != nil {
		return nil, s.err
	}
	return &transport.Ack{Status: "received", MessageID: env.MessageID}, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixedPeers struct {
	rec registry.PeerRecord
	ok  bool
}

func (p fixedPeers) Primary() (registry.PeerRecord, bool) { return p.rec, p.ok }

func peer() fixedPeers {
	return fixedPeers{rec: registry.PeerRecord{AgentID: "macmini-control", URL: "http://control:8081"}, ok: true}
}

func TestTick_SendsHeartbeatToPrimary(t *testing.T) {
	sender := &fakeSender{}
	loop := New(a2a.NewIssuer("jetson-site-a"), sender, peer(), time.Second, nil)

	loop.Tick(t.Context())

	require.Len(t, sender.sent, 1)
	env := sender.sent[0]
	assert.Equal(t, a2a.KindHeartbeat, env.Type)
	assert.Equal(t, "macmini-control", env.To)
	assert.Equal(t, "http://control:8081", sender.urls[0])

	hb, ok := a2a.As[*a2a.Heartbeat](env)
	require.True(t, ok)
	assert.Equal(t, a2a.StatusActive, hb.Status)

	stats := loop.Stats()
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, env.Timestamp, stats.LastSent)
}

func TestTick_FailuresAreCountedNotReturned(t *testing.T) {
	sender := &fakeSender{err: transport.ErrUnreachable}
	loop := New(a2a.NewIssuer("a"), sender, peer(), time.Second, nil)

	loop.Tick(t.Context())
	loop.Tick(t.Context())

	stats := loop.Stats()
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.True(t, stats.LastSent.IsZero())

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	loop.Tick(t.Context())

	stats = loop.Stats()
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 2, stats.Failed)
}

func TestTick_NoPeerCallsRediscover(t *testing.T) {
	sender := &fakeSender{}
	loop := New(a2a.NewIssuer("a"), sender, fixedPeers{}, time.Second, nil)

	var calls atomic.Int32
	loop.SetRediscover(func(context.Context) { calls.Add(1) })
	loop.Tick(t.Context())

	assert.Equal(t, 0, sender.count())
	assert.Equal(t, int32(1), calls.Load())
}

func TestTick_NoPeerNoHook(t *testing.T) {
	loop := New(a2a.NewIssuer("a"), &fakeSender{}, fixedPeers{}, time.Second, nil)
	assert.NotPanics(t, func() { loop.Tick(t.Context()) })
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	sender := &fakeSender{err: errors.New("down")}
	loop := New(a2a.NewIssuer("a"), sender, peer(), 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	assert.Eventually(t, func() bool { return sender.count() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	loop := New(a2a.NewIssuer("a"), &fakeSender{}, peer(), 0, nil)
	assert.Equal(t, DefaultInterval, loop.interval)
}
