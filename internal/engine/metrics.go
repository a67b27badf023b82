package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время полного прохода задачи через оркестратор
	TaskDuration *prometheus.HistogramVec

	// Latency: время одного шага (одного агента)
	StepDuration *prometheus.HistogramVec

	// Traffic: шаги по агентам и исходам
	StepsTotal *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние предохранителя (0 - closed, 0.5 - half-open, 1 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TaskDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maocore_task_duration_seconds",
			Help:    "Histogram of end-to-end task latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"task_type", "status"}),

		StepDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maocore_step_duration_seconds",
			Help:    "Histogram of per-agent step latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"agent", "status"}),

		StepsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "maocore_steps_total",
			Help: "Total number of executed steps.",
		}, []string{"agent", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "maocore_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: access_denied, rate_limited, circuit_open, no_agent, cycle, invoke

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "maocore_circuit_breaker_state",
			Help: "Current state of the per-agent circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"agent"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "maocore_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
