// Package metrics provides Prometheus metrics for the trust engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	TrustDelta      prometheus.Histogram
	TrustScore      prometheus.Gauge
	TrustPhase      prometheus.Gauge
	ActionsTotal    *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	BreakerTrips    prometheus.Counter
	HealthMode      prometheus.Gauge
	ComputeDuration *prometheus.HistogramVec
	ComputeErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_events_total",
				Help: "Total ingested events by kind and awareness.",
			},
			[]string{"kind", "awareness"},
		),
		TrustDelta: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keel_trust_delta",
				Help:    "Applied trust score deltas.",
				Buckets: []float64{-0.1, -0.05, -0.02, -0.005, 0, 0.005, 0.02, 0.05, 0.1},
			},
		),
		TrustScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_trust_score",
				Help: "Current trust score in [0,1].",
			},
		),
		TrustPhase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_trust_phase",
				Help: "Current autonomy phase as an ordinal (0=observer).",
			},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_actions_total",
				Help: "Capability decisions by action and result (granted/denied).",
			},
			[]string{"action", "result"},
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_conflicts_total",
				Help: "Resolved record conflicts by domain and resolution.",
			},
			[]string{"domain", "resolution"},
		),
		BreakerTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keel_breaker_trips_total",
				Help: "Safety breaker activations.",
			},
		),
		HealthMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_health_mode",
				Help: "Health mode as an ordinal (0=healthy, 3=suspended).",
			},
		),
		ComputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_metric_compute_seconds",
				Help:    "Derived metric computation duration by tier.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		ComputeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_metric_compute_errors_total",
				Help: "Derived metric computation failures by tier and type.",
			},
			[]string{"tier", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.TrustDelta)
	reg.MustRegister(m.TrustScore)
	reg.MustRegister(m.TrustPhase)
	reg.MustRegister(m.ActionsTotal)
	reg.MustRegister(m.ConflictsTotal)
	reg.MustRegister(m.BreakerTrips)
	reg.MustRegister(m.HealthMode)
	reg.MustRegister(m.ComputeDuration)
	reg.MustRegister(m.ComputeErrors)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent increments the event counter.
func (m *Metrics) RecordEvent(kind, awareness string) {
	m.EventsTotal.WithLabelValues(kind, awareness).Inc()
}

// RecordApply records a trust application outcome.
func (m *Metrics) RecordApply(delta, score float64, phase int) {
	m.TrustDelta.Observe(delta)
	m.TrustScore.Set(score)
	m.TrustPhase.Set(float64(phase))
}

// RecordAction increments the capability decision counter.
func (m *Metrics) RecordAction(action, result string) {
	m.ActionsTotal.WithLabelValues(action, result).Inc()
}

// RecordConflict increments the conflict resolution counter.
func (m *Metrics) RecordConflict(domain, resolution string) {
	m.ConflictsTotal.WithLabelValues(domain, resolution).Inc()
}

// RecordBreakerTrip increments the breaker counter.
func (m *Metrics) RecordBreakerTrip() {
	m.BreakerTrips.Inc()
}

// SetHealthMode records the current health mode ordinal.
func (m *Metrics) SetHealthMode(mode int) {
	m.HealthMode.Set(float64(mode))
}

// ObserveCompute records one metric computation.
func (m *Metrics) ObserveCompute(tier string, seconds float64) {
	m.ComputeDuration.WithLabelValues(tier).Observe(seconds)
}

// RecordComputeError increments the computation failure counter.
func (m *Metrics) RecordComputeError(tier, errType string) {
	m.ComputeErrors.WithLabelValues(tier, errType).Inc()
}
