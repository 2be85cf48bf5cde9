package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

// Prometheus implements Metrics on a private registry. Metric names are
// part of the external contract and must not change.
type Prometheus struct {
	registry *prometheus.Registry

	registrations *prometheus.CounterVec
	active        *prometheus.GaugeVec
	evaluations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	checked       prometheus.Histogram
	conflicts     *prometheus.CounterVec
	violations    *prometheus.CounterVec
	errors        *prometheus.CounterVec
}

// NewPrometheus builds the metric set on a fresh registry so tests can
// construct independent instances.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),

		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_registrations_total",
			Help: "Total policy registrations by precedence and status",
		}, []string{"precedence", "status"}),

		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policies_active",
			Help: "Currently active policies by precedence",
		}, []string{"precedence"}),

		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_evaluations_total",
			Help: "Total policy evaluations by result, orchestra, and winning precedence",
		}, []string{"result", "orchestra", "precedence"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_evaluation_duration_seconds",
			Help:    "Evaluation pipeline duration in seconds",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"result", "precedence"}),

		checked: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "policies_checked_per_evaluation",
			Help:    "Number of candidate policies checked per evaluation",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_conflicts_total",
			Help: "Total conflicts resolved by winning precedence",
		}, []string{"winning_precedence"}),

		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_violations_total",
			Help: "Total policy violations by orchestra, action, and precedence",
		}, []string{"orchestra", "action", "precedence"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_evaluation_errors_total",
			Help: "Internal evaluation errors by kind",
		}, []string{"kind"}),
	}

	p.registry.MustRegister(collectors.NewGoCollector())
	p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	p.registry.MustRegister(
		p.registrations, p.active, p.evaluations, p.duration,
		p.checked, p.conflicts, p.violations, p.errors,
	)
	return p
}

// Handler serves the /metrics endpoint for this instance's registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) RecordRegistration(pr manifest.Precedence, status manifest.Status) {
	p.registrations.WithLabelValues(string(pr), string(status)).Inc()
}

func (p *Prometheus) SetActivePolicies(pr manifest.Precedence, n int) {
	p.active.WithLabelValues(string(pr)).Set(float64(n))
}

func (p *Prometheus) RecordEvaluation(result, orchestra string, pr manifest.Precedence, d time.Duration, policiesChecked int) {
	p.evaluations.WithLabelValues(result, orchestra, string(pr)).Inc()
	p.duration.WithLabelValues(result, string(pr)).Observe(d.Seconds())
	p.checked.Observe(float64(policiesChecked))
}

func (p *Prometheus) RecordConflict(winning manifest.Precedence) {
	p.conflicts.WithLabelValues(string(winning)).Inc()
}

func (p *Prometheus) RecordViolation(orchestra, action string, pr manifest.Precedence) {
	p.violations.WithLabelValues(orchestra, action, string(pr)).Inc()
}

func (p *Prometheus) RecordError(kind string) {
	p.errors.WithLabelValues(kind).Inc()
}
