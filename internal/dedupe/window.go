// ABOUTME: Sliding-window record of processed message ids with O(1) eviction
// ABOUTME: Inbound handler consults it before dispatching an envelope

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a message id is remembered.
	DefaultTTL = 10 * time.Minute

	// DefaultMaxEntries caps memory when a peer floods distinct ids.
	DefaultMaxEntries = 10000
)

type entry struct {
	id     string
	seenAt time.Time
}

// Window remembers message ids for ttl. Oldest ids sit at the list front.
type Window struct {
	mu         sync.Mutex
	index      map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewWindow creates a Window. Non-positive arguments take the defaults.
func NewWindow(ttl time.Duration, maxEntries int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Window{
		index:      make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Observe records id and reports whether it is new. A repeat inside the
// window returns false and leaves the original timestamp in place, so a
// sender hammering the same id cannot keep it alive forever.
func (w *Window) Observe(id string) bool {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked(now)

	if _, ok := w.index[id]; ok {
		return false
	}

	for w.order.Len() >= w.maxEntries {
		w.removeLocked(w.order.Front())
	}

	w.index[id] = w.order.PushBack(entry{id: id, seenAt: now})
	return true
}

// Forget drops id so a later delivery is processed again. Used when the
// first delivery failed before any side effect ran.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.index[id]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of ids currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// Run expires old ids every interval until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			w.expireLocked(w.now())
			w.mu.Unlock()
		}
	}
}

// expireLocked pops entries from the front while they are older than ttl.
// Entries are appended in time order, so the scan stops at the first live one.
func (w *Window) expireLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(entry).seenAt) < w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	w.order.Remove(el)
	delete(w.index, el.Value.(entry).id)
}
