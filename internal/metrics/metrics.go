// ABOUTME: Prometheus collectors for the edge agent, kept on a private registry
// ABOUTME: Every method is nil-safe so components can run without metrics wired in

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for sent messages and exchanges.
const (
	OutcomeOK          = "ok"
	OutcomeHTTPError   = "http_error"
	OutcomeUnreachable = "unreachable"
	OutcomeBadAck      = "bad_ack"
	OutcomeInvalid     = "invalid"

	ExchangePending  = "pending"
	ExchangeAnswered = "answered"
	ExchangeTimedOut = "timed_out"
	ExchangeOrphan   = "orphan"
)

// Metrics holds every collector the agent exports.
type Metrics struct {
	registry *prometheus.Registry

	sent         *prometheus.CounterVec
	received     *prometheus.CounterVec
	sendLatency  prometheus.Histogram
	readings     prometheus.Counter
	readFailures prometheus.Counter
	anomalies    prometheus.Counter
	exchanges    *prometheus.CounterVec
	peerOnline   prometheus.Gauge
	windowSize   prometheus.Gauge
	streamDrops  prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_edge_messages_sent_total",
			Help: "Envelopes sent to peers, by message type and outcome.",
		}, []string{"type", "outcome"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_edge_messages_received_total",
			Help: "Inbound envelopes, by message type and ack status.",
		}, []string{"type", "status"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_edge_send_latency_seconds",
			Help:    "Latency of a send including retries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_edge_readings_total",
			Help: "Sensor readings processed by the pipeline.",
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_edge_sensor_read_failures_total",
			Help: "Poll cycles skipped because the sensor returned no data.",
		}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_edge_anomalies_total",
			Help: "Readings that violated at least one threshold.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_edge_exchanges_total",
			Help: "Analysis exchange transitions, by resulting state.",
		}, []string{"state"}),
		peerOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_edge_peer_online",
			Help: "1 when the primary peer has been seen recently.",
		}),
		windowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_edge_history_window_size",
			Help: "Samples currently held by the historical window.",
		}),
		streamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_edge_stream_dropped_total",
			Help: "Stream events dropped for slow subscribers.",
		}),
	}

	m.registry.MustRegister(
		m.sent, m.received, m.sendLatency,
		m.readings, m.readFailures, m.anomalies,
		m.exchanges, m.peerOnline, m.windowSize, m.streamDrops,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind, outcome).Inc()
	m.sendLatency.Observe(seconds)
}

func (m *Metrics) MessageReceived(kind, status string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ReadingProcessed() {
	if m == nil {
		return
	}
	m.readings.Inc()
}

func (m *Metrics) SensorReadFailed() {
	if m == nil {
		return
	}
	m.readFailures.Inc()
}

func (m *Metrics) AnomalyDetected() {
	if m == nil {
		return
	}
	m.anomalies.Inc()
}

func (m *Metrics) Exchange(state string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(state).Inc()
}

func (m *Metrics) SetPeerOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.peerOnline.Set(1)
	} else {
		m.peerOnline.Set(0)
	}
}

func (m *Metrics) SetWindowSize(n int) {
	if m == nil {
		return
	}
	m.windowSize.Set(float64(n))
}

func (m *Metrics) StreamDropped() {
	if m == nil {
		return
	}
	m.streamDrops.Inc()
}
