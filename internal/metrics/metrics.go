// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsTotalCounter        *prometheus.CounterVec
	stepsTotalCounter       *prometheus.CounterVec
	stepDurationMetric      prometheus.Histogram
	compensationsCounter    *prometheus.CounterVec
	lockConflictsCounter    prometheus.Counter
	triggersRejectedCounter prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_runs_total",
				Help: "Total number of terminal workflow attempts by status.",
			},
			[]string{"status"},
		)

		stepsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_steps_total",
				Help: "Total number of step executions by step and outcome.",
			},
			[]string{"step", "status"},
		)

		stepDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "saga_step_duration_seconds",
				Help:    "Duration of step Run calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		compensationsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_compensations_total",
				Help: "Total number of compensation invocations by result.",
			},
			[]string{"result"},
		)

		lockConflictsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "saga_lock_conflicts_total",
				Help: "Total number of Execute calls rejected by the workflow lock.",
			},
		)

		triggersRejectedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "saga_triggers_rejected_total",
				Help: "Total number of run triggers rejected by rate limiting.",
			},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			stepsTotalCounter,
			stepDurationMetric,
			compensationsCounter,
			lockConflictsCounter,
			triggersRejectedCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []string{"SUCCESS", "FAILED"} {
			runsTotalCounter.WithLabelValues(status)
		}
		for _, result := range []string{"ok", "failed"} {
			compensationsCounter.WithLabelValues(result)
		}
	})
}

func IncRunStatus(status string) {
	Init()
	runsTotalCounter.WithLabelValues(status).Inc()
}

func IncStepStatus(step, status string) {
	Init()
	stepsTotalCounter.WithLabelValues(step, status).Inc()
}

func ObserveStepDuration(d time.Duration) {
	Init()
	stepDurationMetric.Observe(d.Seconds())
}

func IncCompensation(result string) {
	Init()
	compensationsCounter.WithLabelValues(result).Inc()
}

func IncLockConflict() {
	Init()
	lockConflictsCounter.Inc()
}

func IncTriggerRejected() {
	Init()
	triggersRejectedCounter.Inc()
}
