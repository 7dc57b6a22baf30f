// ABOUTME: Bounded FIFO of recent sensor samples backing historical statistics
// ABOUTME: Capacity follows the configured window length and poll interval

package history

import (
	"container/list"
	"math"
	"sync"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

// Sample is one point in the window. Values may carry a subset of fields.
type Sample struct {
	Timestamp time.Time             `json:"timestamp"`
	Values    map[a2a.Field]float64 `json:"values"`
}

// SampleFromReading converts a reading, stamping it with at when the reading
// carries no timestamp of its own.
func SampleFromReading(r a2a.Reading, at time.Time) Sample {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = at
	}
	return Sample{Timestamp: ts, Values: r.Values()}
}

// Reading rebuilds a reading from the sample; absent fields are zero.
func (s Sample) Reading() a2a.Reading {
	return a2a.Reading{
		Temperature: s.Values[a2a.FieldTemperature],
		Humidity:    s.Values[a2a.FieldHumidity],
		ECO2:        int(math.Round(s.Values[a2a.FieldECO2])),
		TVOC:        int(math.Round(s.Values[a2a.FieldTVOC])),
		AQI:         int(math.Round(s.Values[a2a.FieldAQI])),
		Timestamp:   s.Timestamp,
	}
}

// CapacityFor returns how many samples cover hours at one sample per poll.
// The result is never below 1.
func CapacityFor(hours float64, poll time.Duration) int {
	if hours <= 0 || poll <= 0 {
		return 1
	}
	n := int(math.Floor(hours * 3600 / poll.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

// Window keeps the newest samples up to its capacity. The oldest sample sits
// at the list front and is evicted first.
type Window struct {
	mu       sync.RWMutex
	samples  *list.List
	capacity int
}

// New creates a Window holding at most capacity samples (minimum 1).
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{samples: list.New(), capacity: capacity}
}

// Record appends s, evicting the oldest sample when full.
func (w *Window) Record(s Sample) {
	s.Values = cloneValues(s.Values)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples.PushBack(s)
	w.trimLocked()
}

// Restore appends samples in order, as Record would. Used at startup to
// rebuild the window from the ledger.
func (w *Window) Restore(samples []Sample) int {
	for _, s := range samples {
		w.Record(s)
	}
	return len(samples)
}

// SetCapacity changes the bound. Shrinking evicts the oldest samples.
func (w *Window) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.capacity = n
	w.trimLocked()
}

// Capacity returns the current bound.
func (w *Window) Capacity() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.capacity
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.samples.Len()
}

// Recent returns up to n of the newest samples, oldest first. n <= 0 returns all.
func (w *Window) Recent(n int) []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	total := w.samples.Len()
	if n <= 0 || n > total {
		n = total
	}

	out := make([]Sample, n)
	i := n - 1
	for el := w.samples.Back(); el != nil && i >= 0; el = el.Prev() {
		s := el.Value.(Sample)
		s.Values = cloneValues(s.Values)
		out[i] = s
		i--
	}
	return out
}

// Latest returns the newest sample.
func (w *Window) Latest() (Sample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	back := w.samples.Back()
	if back == nil {
		return Sample{}, false
	}
	s := back.Value.(Sample)
	s.Values = cloneValues(s.Values)
	return s, true
}

// Statistics summarizes every field present in at least one sample, at full
// precision.
func (w *Window) Statistics() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	acc := make(map[a2a.Field]*accumulator)
	for el := w.samples.Front(); el != nil; el = el.Next() {
		for f, v := range el.Value.(Sample).Values {
			a, ok := acc[f]
			if !ok {
				a = &accumulator{min: v, max: v}
				acc[f] = a
			}
			a.add(v)
		}
	}

	stats := make(Stats, len(acc))
	for f, a := range acc {
		stats[f] = a.stats()
	}
	return stats
}

func (w *Window) trimLocked() {
	for w.samples.Len() > w.capacity {
		w.samples.Remove(w.samples.Front())
	}
}

func cloneValues(v map[a2a.Field]float64) map[a2a.Field]float64 {
	out := make(map[a2a.Field]float64, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}
