// Package metrics defines the Prometheus collectors exported by the withdraw agent.
//
// All methods are safe on a nil *Metrics so callers can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "withdraw_agent"

type Metrics struct {
	Invocations     *prometheus.CounterVec
	ItemsAccepted   prometheus.Counter
	ItemsSuppressed prometheus.Counter
	PayloadBytes    prometheus.Histogram
	Deliveries      *prometheus.CounterVec
	Leader          prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to expose them
// through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Invocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Agent entry point invocations by operation and result",
			},
			[]string{"op", "result"},
		),
		ItemsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_accepted_total",
			Help:      "Withdraw items admitted past the cool-down",
		}),
		ItemsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_suppressed_total",
			Help:      "Withdraw items dropped by the cool-down",
		}),
		PayloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Size of encoded multiple_withdraw payloads",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
		}),
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Outbound instruction deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),
		Leader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 when this replica holds the agent lease",
		}),
	}
}

// ObserveInvocation records one entry point call. result is "ok" or an error label.
func (m *Metrics) ObserveInvocation(op, result string) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveAdmission(accepted, suppressed int) {
	if m == nil {
		return
	}
	m.ItemsAccepted.Add(float64(accepted))
	m.ItemsSuppressed.Add(float64(suppressed))
}

func (m *Metrics) ObservePayload(n int) {
	if m == nil {
		return
	}
	m.PayloadBytes.Observe(float64(n))
}

func (m *Metrics) ObserveDelivery(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Deliveries.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.Leader.Set(1)
		return
	}
	m.Leader.Set(0)
}
