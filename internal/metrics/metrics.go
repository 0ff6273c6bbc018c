// Package metrics exposes prometheus instruments for analysis runs. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// AttemptsTotal counts finished attempts by the stage they ended in and
	// their outcome.
	AttemptsTotal *prometheus.CounterVec
	// FailuresTotal counts classified failures by kind.
	FailuresTotal *prometheus.CounterVec
	// RetriesTotal counts scheduled retries by the kind that caused them.
	RetriesTotal *prometheus.CounterVec
	// DegradationsTotal counts degraded results by strategy.
	DegradationsTotal *prometheus.CounterVec
	// RetryDelay tracks the backoff actually scheduled before a retry.
	RetryDelay prometheus.Histogram
	// SandboxDuration tracks wall time spent inside the sandbox.
	SandboxDuration prometheus.Histogram
	// RunsTotal counts finished runs by terminal outcome.
	RunsTotal *prometheus.CounterVec
}

// New registers the instruments on reg. Use prometheus.NewRegistry in tests
// to keep runs isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_attempts_total",
				Help: "Total number of analysis attempts",
			},
			[]string{"stage", "outcome"},
		),
		FailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_failures_total",
				Help: "Total number of classified failures",
			},
			[]string{"kind"},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_retries_total",
				Help: "Total number of scheduled retries",
			},
			[]string{"kind"},
		),
		DegradationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_degradations_total",
				Help: "Total number of degraded results",
			},
			[]string{"strategy"},
		),
		RetryDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "analyst_retry_delay_seconds",
			Help:    "Backoff delay scheduled before a retry",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		SandboxDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "analyst_sandbox_seconds",
			Help:    "Wall time of sandboxed executions",
			Buckets: prometheus.DefBuckets,
		}),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_runs_total",
				Help: "Total number of finished analysis runs",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveAttempt(stage, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ObserveFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveRetry(kind string, delay time.Duration) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(kind).Inc()
	m.RetryDelay.Observe(delay.Seconds())
}

func (m *Metrics) ObserveDegradation(strategy string) {
	if m == nil {
		return
	}
	m.DegradationsTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ObserveSandbox(d time.Duration) {
	if m == nil {
		return
	}
	m.SandboxDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}
