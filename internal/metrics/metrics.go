// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	phaseTransitionsCounter *prometheus.CounterVec
	phaseRetriesCounter     *prometheus.CounterVec
	phaseDurationMetric     *prometheus.HistogramVec
	providerAttemptsCounter *prometheus.CounterVec
	sandboxUnitsCounter     *prometheus.CounterVec
	queueOpsCounter         *prometheus.CounterVec
	workerPopLatencyMetric  prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		phaseTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_phase_transitions_total",
				Help: "Total number of workflow phase status transitions.",
			},
			[]string{"phase", "status"},
		)

		phaseRetriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_phase_retries_total",
				Help: "Total number of quality-gate retries by phase.",
			},
			[]string{"phase"},
		)

		phaseDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_phase_duration_seconds",
				Help:    "Duration of phase executions in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"phase"},
		)

		providerAttemptsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_attempts_total",
				Help: "Reasoning provider call attempts by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		sandboxUnitsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_units_total",
				Help: "Sandbox code and command units by kind and terminal status.",
			},
			[]string{"kind", "status"},
		)

		queueOpsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_operations_total",
				Help: "Queue operations by backend and operation.",
			},
			[]string{"backend", "op"},
		)

		workerPopLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "worker_pop_latency_seconds",
				Help:    "Latency of worker blocking pops that returned a message.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			phaseTransitionsCounter,
			phaseRetriesCounter,
			phaseDurationMetric,
			providerAttemptsCounter,
			sandboxUnitsCounter,
			queueOpsCounter,
			workerPopLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, phase := range domain.Phases {
			for _, status := range []domain.WorkflowStatus{
				domain.StatusRunning,
				domain.StatusCompleted,
				domain.StatusFailed,
				domain.StatusRetry,
			} {
				phaseTransitionsCounter.WithLabelValues(string(phase), string(status))
			}
		}
	})
}

func IncPhaseTransition(phase domain.Phase, status domain.WorkflowStatus) {
	Init()
	phaseTransitionsCounter.WithLabelValues(string(phase), string(status)).Inc()
}

func IncPhaseRetry(phase domain.Phase) {
	Init()
	phaseRetriesCounter.WithLabelValues(string(phase)).Inc()
}

func ObservePhaseDuration(phase domain.Phase, d time.Duration) {
	Init()
	phaseDurationMetric.WithLabelValues(string(phase)).Observe(d.Seconds())
}

func IncProviderAttempt(provider string, ok bool) {
	Init()
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	providerAttemptsCounter.WithLabelValues(provider, outcome).Inc()
}

func IncSandboxUnit(kind string, status domain.ExecutionStatus) {
	Init()
	sandboxUnitsCounter.WithLabelValues(kind, string(status)).Inc()
}

func IncQueueOp(backend, op string) {
	Init()
	queueOpsCounter.WithLabelValues(backend, op).Inc()
}

func ObserveWorkerPopLatency(d time.Duration) {
	Init()
	workerPopLatencyMetric.Observe(d.Seconds())
}
