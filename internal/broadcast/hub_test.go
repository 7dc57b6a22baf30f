// ABOUTME: Tests for the event hub fan-out
// ABOUTME: Covers delivery, slow subscriber drops, unsubscription and concurrency

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/2389/agent-edge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_AllSubscribersReceive(t *testing.T) {
	h := NewHub(nil, nil)
	defer h.Close()

	ch1, _ := h.Subscribe(t.Context())
	ch2, _ := h.Subscribe(t.Context())

	h.Publish(EventSensorObservation, map[string]any{"temperature": 24.5})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, EventSensorObservation, ev.Name)
		assert.False(t, ev.At.IsZero())
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := NewHub(nil, nil)
	assert.NotPanics(t, func() { h.Publish(EventDecision, nil) })
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := metrics.New()
	h := NewHub(m, nil)
	defer h.Close()

	slow, _ := h.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize + 10 {
			h.Publish(EventSensorObservation, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Len(t, slow, subscriberBufferSize)
	count, err := testutil.GatherAndCount(m.Registry(), "agent_edge_stream_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := NewHub(nil, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := h.Subscribe(ctx)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, time.Millisecond)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub(nil, nil)
	_, id := h.Subscribe(t.Context())

	h.Unsubscribe(id)
	h.Unsubscribe(id)
	h.Unsubscribe("unknown")
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_CloseClosesChannels(t *testing.T) {
	h := NewHub(nil, nil)
	ch, _ := h.Subscribe(t.Context())
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	h := NewHub(nil, nil)
	defer h.Close()

	var wg sync.WaitGroup
	for range 20 {
		ctx, cancel := context.WithCancel(t.Context())
		ch, _ := h.Subscribe(ctx)

		wg.Add(3)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			h.Publish(EventA2AMessage, "x")
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
}
