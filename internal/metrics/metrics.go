// Package metrics defines the Prometheus collectors for the engine.
// All methods are nil-safe so components can run unmetered in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine records into.
type Metrics struct {
	cycleDuration   prometheus.Histogram
	cycleTokens     prometheus.Gauge
	observations    prometheus.Counter
	upstreamErrors  *prometheus.CounterVec
	subscribers     prometheus.Gauge
	framesDelivered prometheus.Counter
	historyRows     prometheus.Counter
	proxiesActive   prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spreadwatch_cycle_duration_seconds",
			Help:    "Duration of one full scheduler cycle over the active token set.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		cycleTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spreadwatch_cycle_tokens",
			Help: "Active tokens in the most recent cycle.",
		}),
		observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spreadwatch_observations_total",
			Help: "Observations emitted by the scheduler.",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadwatch_upstream_errors_total",
			Help: "Upstream fetch failures by source and error kind.",
		}, []string{"upstream", "kind"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spreadwatch_subscribers",
			Help: "Connected websocket subscribers.",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spreadwatch_frames_delivered_total",
			Help: "Data frames delivered to subscribers.",
		}),
		historyRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spreadwatch_history_rows_total",
			Help: "History rows written by the buffered flusher.",
		}),
		proxiesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spreadwatch_proxies_active",
			Help: "Proxies active after the most recent health probe.",
		}),
	}

	reg.MustRegister(
		m.cycleDuration, m.cycleTokens, m.observations, m.upstreamErrors,
		m.subscribers, m.framesDelivered, m.historyRows, m.proxiesActive,
	)
	return m
}

// CycleDone records one completed scheduler cycle.
func (m *Metrics) CycleDone(tokens int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(elapsed.Seconds())
	m.cycleTokens.Set(float64(tokens))
}

// ObservationEmitted counts one completed per-token observation.
func (m *Metrics) ObservationEmitted() {
	if m == nil {
		return
	}
	m.observations.Inc()
}

// UpstreamError counts one upstream fetch failure.
func (m *Metrics) UpstreamError(upstream, kind string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(upstream, kind).Inc()
}

// SetSubscribers tracks the connected subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// FrameDelivered counts one data frame sent to a subscriber.
func (m *Metrics) FrameDelivered() {
	if m == nil {
		return
	}
	m.framesDelivered.Inc()
}

// HistoryRowsWritten counts rows committed by a flush.
func (m *Metrics) HistoryRowsWritten(n int) {
	if m == nil {
		return
	}
	m.historyRows.Add(float64(n))
}

// SetProxiesActive tracks the post-probe active proxy count.
func (m *Metrics) SetProxiesActive(n int) {
	if m == nil {
		return
	}
	m.proxiesActive.Set(float64(n))
}
