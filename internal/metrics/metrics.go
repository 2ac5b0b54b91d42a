// Package metrics exposes node counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agsys/irrigation-node/internal/broker"
	"github.com/agsys/irrigation-node/internal/link"
)

// Metrics holds Prometheus metrics for the node. A nil *Metrics is a no-op.
type Metrics struct {
	linkState       prometheus.Gauge
	brokerConnected prometheus.Gauge
	publishes       *prometheus.CounterVec
	dispatchDropped prometheus.Counter
	decisions       *prometheus.CounterVec
	health          *prometheus.CounterVec
	pumpRunning     prometheus.Gauge
	cloudSynced     *prometheus.CounterVec
}

var _ broker.Observer = (*Metrics)(nil)

// New creates and registers node metrics with the given registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		linkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_link_state",
			Help: "Link manager state (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_broker_connected",
			Help: "1 while the broker session is established",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_publish_total",
			Help: "Publish attempts by result",
		}, []string{"result"}),
		dispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_dispatch_dropped_total",
			Help: "Inbound messages dropped for lack of a handler or queue space",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_decisions_total",
			Help: "Irrigation decisions by outcome",
		}, []string{"decision"}),
		health: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_health_total",
			Help: "Plant health classifications by class",
		}, []string{"class"}),
		pumpRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_pump_running",
			Help: "1 while the pump is commanded on",
		}),
		cloudSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_cloud_synced_total",
			Help: "Records uploaded to the cloud by kind",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.linkState,
		m.brokerConnected,
		m.publishes,
		m.dispatchDropped,
		m.decisions,
		m.health,
		m.pumpRunning,
		m.cloudSynced,
	)

	return m
}

// LinkState records the current link state.
func (m *Metrics) LinkState(s link.State) {
	if m == nil {
		return
	}
	m.linkState.Set(float64(s))
}

// Published counts one publish attempt.
func (m *Metrics) Published(_ string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.publishes.WithLabelValues(result).Inc()
}

// Dropped counts one undelivered inbound message.
func (m *Metrics) Dropped(string) {
	if m == nil {
		return
	}
	m.dispatchDropped.Inc()
}

// SessionUp records the broker session state.
func (m *Metrics) SessionUp(up bool) {
	if m == nil {
		return
	}
	m.brokerConnected.Set(boolToFloat(up))
}

// Decision counts one irrigation decision.
func (m *Metrics) Decision(label string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(label).Inc()
}

// Health counts one health classification.
func (m *Metrics) Health(class string) {
	if m == nil {
		return
	}
	m.health.WithLabelValues(class).Inc()
}

// Pump records the commanded pump state.
func (m *Metrics) Pump(running bool) {
	if m == nil {
		return
	}
	m.pumpRunning.Set(boolToFloat(running))
}

// CloudSynced counts uploaded records.
func (m *Metrics) CloudSynced(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cloudSynced.WithLabelValues(kind).Add(float64(n))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
