// Package metrics exports limiter activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/toolink/gate/limiter"
)

// Recorder implements limiter.Recorder on a Prometheus registry.
type Recorder struct {
	checks     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	degraded   *prometheus.CounterVec
	multiplier *prometheus.GaugeVec
}

var _ limiter.Recorder = (*Recorder)(nil)

// NewRecorder registers the limiter metrics on reg and returns the recorder
// to pass to limiter.WithRecorder. Registering twice on the same registry
// panics, keep one recorder per process.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_checks_total",
			Help: "Rate limit decisions by policy, algorithm and outcome.",
		}, []string{"policy", "algorithm", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gate_check_duration_seconds",
			Help: "Rate limit check duration in seconds.",
			// Checks are sub-millisecond in memory and a redis roundtrip
			// otherwise, so the buckets concentrate below 100ms.
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"algorithm"}),
		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_degraded_total",
			Help: "Checks that failed open by policy and reason.",
		}, []string{"policy", "reason"}),
		multiplier: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gate_adaptive_multiplier",
			Help: "Last computed adaptive limit multiplier by policy.",
		}, []string{"policy"}),
	}
}

// RecordCheck counts one decision and observes its duration.
func (r *Recorder) RecordCheck(policy, algorithm string, allowed bool, elapsed time.Duration) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	r.checks.WithLabelValues(policy, algorithm, outcome).Inc()
	r.duration.WithLabelValues(algorithm).Observe(elapsed.Seconds())
}

// RecordDegraded counts one fail-open decision.
func (r *Recorder) RecordDegraded(policy, reason string) {
	r.degraded.WithLabelValues(policy, reason).Inc()
}

// RecordAdaptiveMultiplier publishes the latest multiplier for a policy.
func (r *Recorder) RecordAdaptiveMultiplier(policy string, multiplier float64) {
	r.multiplier.WithLabelValues(policy).Set(multiplier)
}
