// ABOUTME: Tests for peer discovery, liveness tracking and snapshots
// ABOUTME: Uses httptest health endpoints and an injectable clock

package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func healthServer(t *testing.T, card *a2a.AgentCard) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != HealthPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(card)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(nil, nil).WithClock(clock.Now), clock
}

func TestDiscover_StoresCard(t *testing.T) {
	card := a2a.NewAgentCard("macmini-control", "0.0.0.0", 8081, []string{"historical_analysis"}, "lfm2.5-thinking")
	srv := healthServer(t, card)
	reg, clock := newRegistry()

	rec, ok := reg.Discover(t.Context(), srv.URL+"/")
	require.True(t, ok)
	assert.Equal(t, "macmini-control", rec.AgentID)
	assert.Equal(t, srv.URL, rec.URL)
	assert.Equal(t, clock.Now(), rec.LastSeen)
	assert.Equal(t, []string{"historical_analysis"}, rec.Card.Capabilities)

	primary, ok := reg.Primary()
	require.True(t, ok)
	assert.Equal(t, "macmini-control", primary.AgentID)
}

func TestDiscover_FailureLeavesRegistryUnchanged(t *testing.T) {
	reg, _ := newRegistry()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agent_id":"x"}`))
	}))
	defer bad.Close()

	errSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer errSrv.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	for _, url := range []string{bad.URL, errSrv.URL, closedURL} {
		_, ok := reg.Discover(t.Context(), url)
		assert.False(t, ok, url)
	}
	assert.Equal(t, 0, reg.Len())
	_, ok := reg.Primary()
	assert.False(t, ok)
}

func TestDiscover_ProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg, _ := newRegistry()
	reg.WithProbeTimeout(20 * time.Millisecond)

	_, ok := reg.Discover(t.Context(), srv.URL)
	assert.False(t, ok)
}

func TestIsOnline_StalenessBoundary(t *testing.T) {
	card := a2a.NewAgentCard("macmini-control", "h", 8081, nil, "m")
	srv := healthServer(t, card)
	reg, clock := newRegistry()

	_, ok := reg.Discover(t.Context(), srv.URL)
	require.True(t, ok)

	assert.True(t, reg.IsOnline("macmini-control", DefaultStaleAfter))

	clock.Advance(29 * time.Second)
	assert.True(t, reg.IsOnline("macmini-control", DefaultStaleAfter))

	clock.Advance(2 * time.Second)
	assert.False(t, reg.IsOnline("macmini-control", DefaultStaleAfter))

	assert.True(t, reg.Touch("macmini-control"))
	assert.True(t, reg.IsOnline("macmini-control", DefaultStaleAfter))

	clock.Advance(DefaultStaleAfter)
	assert.False(t, reg.IsOnline("macmini-control", DefaultStaleAfter), "exactly staleAfter is offline")
}

func TestTouch_UnknownPeer(t *testing.T) {
	reg, _ := newRegistry()
	assert.False(t, reg.Touch("ghost"))
	assert.False(t, reg.IsOnline("ghost", DefaultStaleAfter))
	assert.Equal(t, 0, reg.Len())
}

func TestUpsert_FromAgentCard(t *testing.T) {
	reg, clock := newRegistry()

	rec := reg.Upsert(*a2a.NewAgentCard("jetson-site-a", "10.0.0.5", 8080, []string{"sensor_reading"}, "m"), "")
	assert.Equal(t, "http://10.0.0.5:8080", rec.URL)

	clock.Advance(time.Minute)
	rec = reg.Upsert(*a2a.NewAgentCard("jetson-site-a", "10.0.0.5", 8080, []string{"sensor_reading", "anomaly_detection"}, "m"), "http://sensor:8080/")
	assert.Equal(t, "http://sensor:8080", rec.URL)
	assert.Len(t, rec.Card.Capabilities, 2)
	assert.Equal(t, clock.Now(), rec.LastSeen)
	assert.Equal(t, clock.Now().Add(-time.Minute), rec.DiscoveredAt)
	assert.Equal(t, 1, reg.Len())
}

func TestPeers_OrderAndSnapshots(t *testing.T) {
	reg, _ := newRegistry()
	reg.Upsert(*a2a.NewAgentCard("b", "h", 1, []string{"x"}, "m"), "")
	reg.Upsert(*a2a.NewAgentCard("a", "h", 2, nil, "m"), "")

	peers := reg.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "b", peers[0].AgentID)
	assert.Equal(t, "a", peers[1].AgentID)

	peers[0].Card.Capabilities[0] = "mutated"
	again, ok := reg.Peer("b")
	require.True(t, ok)
	assert.Equal(t, "x", again.Card.Capabilities[0])

	primary, _ := reg.Primary()
	assert.Equal(t, "b", primary.AgentID)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg, _ := newRegistry()
	reg.Upsert(*a2a.NewAgentCard("peer", "h", 1, nil, "m"), "")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Touch("peer")
		}()
		go func() {
			defer wg.Done()
			_ = reg.IsOnline("peer", DefaultStaleAfter)
			_ = reg.Peers()
		}()
	}
	wg.Wait()
}
