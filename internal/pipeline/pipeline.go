// ABOUTME: Observation pipeline that logs, evaluates, forwards and broadcasts each reading
// ABOUTME: Run polls a sensor source on an interval that can change at runtime

package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/anomaly"
	"github.com/2389/agent-edge/internal/broadcast"
	"github.com/2389/agent-edge/internal/history"
	"github.com/2389/agent-edge/internal/ledger"
	"github.com/2389/agent-edge/internal/metrics"
	"github.com/2389/agent-edge/internal/registry"
	"github.com/2389/agent-edge/internal/sensor"
	"github.com/2389/agent-edge/internal/transport"
)

// DefaultInterval is the sensor poll period.
const DefaultInterval = 5 * time.Second

// Sender delivers an envelope to a peer URL.
type Sender interface {
	Send(ctx context.Context, peerURL string, env *a2a.Envelope) (*transport.Ack, error)
}

// PeerSource yields the peer observations are forwarded to.
type PeerSource interface {
	Primary() (registry.PeerRecord, bool)
}

// AnomalyHandler takes ownership of an anomaly without blocking the caller.
type AnomalyHandler interface {
	Trigger(ctx context.Context, ev anomaly.Event)
}

// Config holds the pipeline's tunables.
type Config struct {
	Thresholds  anomaly.Thresholds
	Location    string
	WindowHours float64
	Interval    time.Duration
}

// Deps are the pipeline's collaborators. Ledger, Window, Analysis, Hub and
// Metrics are optional.
type Deps struct {
	Issuer   *a2a.Issuer
	Sender   Sender
	Peers    PeerSource
	Ledger   ledger.Ledger
	Window   *history.Window
	Analysis AnomalyHandler
	Hub      broadcast.Publisher
	Metrics  *metrics.Metrics
}

// Pipeline turns raw readings into ledger records, anomalies and peer traffic.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	// procMu serializes Process so readings are handled in arrival order.
	procMu sync.Mutex

	mu       sync.RWMutex
	last     *a2a.Reading
	interval time.Duration

	intervalChanged chan struct{}
}

// New creates a Pipeline.
func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if deps.Hub == nil {
		deps.Hub = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:             cfg,
		deps:            deps,
		logger:          logger.With("component", "pipeline"),
		now:             time.Now,
		interval:        cfg.Interval,
		intervalChanged: make(chan struct{}, 1),
	}
	p.resizeWindow(cfg.Interval)
	return p
}

// WithClock replaces the clock used to stamp readings, for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Process handles one reading: ledger, anomaly check, forward, broadcast.
// It returns the anomaly reasons, which are empty for a normal reading.
func (p *Pipeline) Process(ctx context.Context, reading a2a.Reading) []string {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = p.now().UTC()
	}

	p.procMu.Lock()
	reasons, ev := p.record(ctx, reading)
	p.procMu.Unlock()

	if ev != nil && p.deps.Analysis != nil {
		p.deps.Analysis.Trigger(ctx, *ev)
	}

	p.forward(ctx, reading)
	p.deps.Hub.Publish(broadcast.EventSensorObservation, reading)
	return reasons
}

// record runs the ordered local steps under procMu.
func (p *Pipeline) record(ctx context.Context, reading a2a.Reading) ([]string, *anomaly.Event) {
	p.deps.Metrics.ReadingProcessed()
	p.append(ctx, ReadingRecord(ledger.EventSensorReading, reading))

	if p.deps.Window != nil {
		p.deps.Window.Record(history.SampleFromReading(reading, reading.Timestamp))
		p.deps.Metrics.SetWindowSize(p.deps.Window.Len())
	}

	p.mu.RLock()
	prev := p.last
	p.mu.RUnlock()

	reasons := anomaly.Evaluate(reading, prev, p.cfg.Thresholds)
	ev, isAnomaly := anomaly.NewEvent(reading, prev, reasons, reading.Timestamp)
	if isAnomaly {
		p.deps.Metrics.AnomalyDetected()
		p.logger.Warn("anomaly detected", "reasons", reasons)

		rec := ReadingRecord(ledger.EventAnomalyDetected, reading)
		rec["reasons"] = reasons
		p.append(ctx, rec)
		p.deps.Hub.Publish(broadcast.EventAnomalyDetected, ev)
	}

	next := reading
	p.mu.Lock()
	p.last = &next
	p.mu.Unlock()

	if !isAnomaly {
		return reasons, nil
	}
	return reasons, &ev
}

func (p *Pipeline) forward(ctx context.Context, reading a2a.Reading) {
	if p.deps.Sender == nil || p.deps.Peers == nil {
		return
	}
	peer, ok := p.deps.Peers.Primary()
	if !ok {
		return
	}

	env := p.deps.Issuer.New(peer.AgentID, &a2a.SensorObservation{
		Sensor:   a2a.DefaultSensorModel,
		Reading:  reading,
		Location: p.cfg.Location,
	})
	if _, err := p.deps.Sender.Send(ctx, peer.URL, env); err != nil {
		p.logger.Warn("failed to forward observation", "peer", peer.AgentID, "error", err)
	}
}

func (p *Pipeline) append(ctx context.Context, rec ledger.Record) {
	if p.deps.Ledger == nil {
		return
	}
	if err := p.deps.Ledger.Append(ctx, rec); err != nil {
		p.logger.Error("failed to append to ledger", "event", rec.Event(), "error", err)
	}
}

// Latest returns the most recently processed reading.
func (p *Pipeline) Latest() (a2a.Reading, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return a2a.Reading{}, false
	}
	return *p.last, true
}

// Interval returns the current poll period.
func (p *Pipeline) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// SetInterval changes the poll period and resizes the history window so it
// still covers the configured number of hours. A running poll loop picks up
// the new period immediately.
func (p *Pipeline) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()

	p.resizeWindow(d)
	p.logger.Info("poll interval changed", "interval", d)

	select {
	case p.intervalChanged <- struct{}{}:
	default:
	}
}

func (p *Pipeline) resizeWindow(d time.Duration) {
	if p.deps.Window == nil || p.cfg.WindowHours <= 0 {
		return
	}
	p.deps.Window.SetCapacity(history.CapacityFor(p.cfg.WindowHours, d))
	p.deps.Metrics.SetWindowSize(p.deps.Window.Len())
}

// Run polls src until ctx is cancelled. A positive interval replaces the
// current one. Failed reads skip the cycle. It always returns nil.
func (p *Pipeline) Run(ctx context.Context, src sensor.Source, interval time.Duration) error {
	if interval > 0 {
		p.mu.Lock()
		p.interval = interval
		p.mu.Unlock()
		p.resizeWindow(interval)
	}

	p.logger.Info("sensor poll loop started", "interval", p.Interval())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("sensor poll loop stopped")
			return nil
		case <-p.intervalChanged:
			timer.Reset(p.Interval())
			continue
		case <-timer.C:
		}

		p.Poll(ctx, src)
		timer.Reset(p.Interval())
	}
}

// Poll reads one reading from src and processes it.
func (p *Pipeline) Poll(ctx context.Context, src sensor.Source) {
	reading, err := src.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.deps.Metrics.SensorReadFailed()
		p.logger.Debug("sensor read failed, skipping cycle", "error", err)
		p.deps.Hub.Publish(broadcast.EventSensorStatus, map[string]string{
			"status": "no_data",
			"error":  err.Error(),
		})
		return
	}
	p.Process(ctx, reading)
}

// ReadingRecord builds a flat ledger record carrying every reading field.
func ReadingRecord(event string, r a2a.Reading) ledger.Record {
	rec := ledger.Record{"event": event}
	for f, v := range r.Values() {
		rec[string(f)] = v
	}
	if !r.Timestamp.IsZero() {
		rec["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return rec
}
