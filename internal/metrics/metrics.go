// Package metrics provides Prometheus metrics for muti-shell nodes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "muti_shell"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Upstream link metrics
	UpstreamConnected prometheus.Gauge
	UpstreamConnects  *prometheus.CounterVec

	// Dispatch metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	QueueDepth      prometheus.Gauge

	// Relay metrics
	EventsReceived    *prometheus.CounterVec
	EventsRelayed     *prometheus.CounterVec
	KeypressesDropped prometheus.Counter

	// Perimeter metrics
	FirewallRejections prometheus.Counter
	AuthFailures       *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected downstream sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of downstream sessions accepted",
		}),

		UpstreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connected",
			Help:      "1 while the node holds an upstream link",
		}),
		UpstreamConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "Upstream connection attempts by result",
		}, []string{"result"}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed by status",
		}, []string{"status"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dequeue to completion of a command",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120, 300},
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands queued or executing",
		}),

		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Relay events received by event name",
		}, []string{"event"}),
		EventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Events passed through by a proxy node",
		}, []string{"event", "direction"}),
		KeypressesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keypresses_dropped_total",
			Help:      "Keypress events dropped by the per-session rate limit",
		}),

		FirewallRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firewall_rejections_total",
			Help:      "Connections refused by the firewall",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentication cycles by reason",
		}, []string{"reason"}),
	}
}

// RecordSessionOpen records an accepted session.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a session going away.
func (m *Metrics) RecordSessionClose() {
	m.SessionsActive.Dec()
}

// RecordUpstreamConnect records an upstream dial by result ("ok", "error").
func (m *Metrics) RecordUpstreamConnect(result string) {
	m.UpstreamConnects.WithLabelValues(result).Inc()
	if result == "ok" {
		m.UpstreamConnected.Set(1)
	}
}

// RecordUpstreamDisconnect records the upstream link closing.
func (m *Metrics) RecordUpstreamDisconnect() {
	m.UpstreamConnected.Set(0)
}

// RecordCommand records a completed command.
func (m *Metrics) RecordCommand(status string, seconds float64) {
	m.CommandsTotal.WithLabelValues(status).Inc()
	m.CommandDuration.Observe(seconds)
}

// SetQueueDepth sets the dispatch queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordEvent records a received relay event.
func (m *Metrics) RecordEvent(event string) {
	m.EventsReceived.WithLabelValues(event).Inc()
}

// RecordRelay records an event passed through a proxy.
func (m *Metrics) RecordRelay(event, direction string) {
	m.EventsRelayed.WithLabelValues(event, direction).Inc()
}

// RecordKeypressDropped records a rate-limited keypress.
func (m *Metrics) RecordKeypressDropped() {
	m.KeypressesDropped.Inc()
}

// RecordFirewallRejection records a refused connection.
func (m *Metrics) RecordFirewallRejection() {
	m.FirewallRejections.Inc()
}

// RecordAuthFailure records a failed authentication cycle ("retry", "locked").
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}
