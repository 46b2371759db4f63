// Package metrics exposes Prometheus collectors for the question lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h1v3-io/coworker/internal/correlation"
)

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	settlements   *prometheus.CounterVec
	asked         *prometheus.CounterVec
	sweepRuns     prometheus.Counter
	sweepExpired  prometheus.Counter
	sweepFailures prometheus.Counter
	deliveries    *prometheus.CounterVec
}

// New creates collectors on a fresh registry. pending is sampled on every
// scrape; pass nil to omit the gauge.
func New(pending func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coworker",
			Name:      "waiter_settlements_total",
			Help:      "Waiters settled, by outcome.",
		}, []string{"outcome"}),
		asked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coworker",
			Name:      "questions_asked_total",
			Help:      "Questions asked, by result.",
		}, []string{"result"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coworker",
			Name:      "sweep_runs_total",
			Help:      "Reconciliation sweeps executed.",
		}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coworker",
			Name:      "sweep_expired_total",
			Help:      "Questions moved to timed_out by the sweeper.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coworker",
			Name:      "sweep_failures_total",
			Help:      "Sweep rows or queries that failed.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coworker",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries, by connector and result.",
		}, []string{"connector", "result"}),
	}

	m.registry.MustRegister(
		m.settlements, m.asked, m.sweepRuns, m.sweepExpired, m.sweepFailures, m.deliveries,
		collectors.NewGoCollector(),
	)
	if pending != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "coworker",
			Name:      "pending_waiters",
			Help:      "Questions currently awaiting a reply in this process.",
		}, func() float64 { return float64(pending()) }))
	}
	return m
}

// ObserveSettlement implements correlation.Observer.
func (m *Metrics) ObserveSettlement(outcome correlation.Outcome) {
	m.settlements.WithLabelValues(string(outcome)).Inc()
}

// ObserveAsk records the result of one ask ("replied", "timed_out", or an error code).
func (m *Metrics) ObserveAsk(result string) {
	m.asked.WithLabelValues(result).Inc()
}

// ObserveSweep records one sweep run.
func (m *Metrics) ObserveSweep(expired, failed int, err error) {
	m.sweepRuns.Inc()
	m.sweepExpired.Add(float64(expired))
	m.sweepFailures.Add(float64(failed))
	if err != nil {
		m.sweepFailures.Inc()
	}
}

// ObserveDelivery records one outbound delivery attempt sequence.
func (m *Metrics) ObserveDelivery(connector string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deliveries.WithLabelValues(connector, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
