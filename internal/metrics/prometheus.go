package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds the Prometheus metrics for one pipeline process.
type PrometheusMetrics struct {
	// Histograms
	StageDuration   *prometheus.HistogramVec
	ToolCallLatency *prometheus.HistogramVec

	// Counters
	ProviderRequests *prometheus.CounterVec
	Fallbacks        *prometheus.CounterVec
	Rejections       *prometheus.CounterVec

	// Gauges
	Degraded prometheus.Gauge
	ExitCode prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "k6pilot_stage_duration_seconds",
				Help:    "Duration of each pipeline stage by result",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage", "result"},
		),

		ToolCallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "k6pilot_tool_call_duration_seconds",
				Help:    "Sandbox tool call latency by tool and status",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"tool", "status"},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "k6pilot_provider_requests_total",
				Help: "Generation attempts by provider and result",
			},
			[]string{"provider", "result"},
		),

		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "k6pilot_fallbacks_total",
				Help: "Baseline substitutions by stage",
			},
			[]string{"stage"},
		),

		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "k6pilot_script_rejections_total",
				Help: "Generated scripts rejected by the sanitizer, by reason",
			},
			[]string{"reason"},
		),

		Degraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "k6pilot_degraded",
				Help: "1 if the last run used the baseline script",
			},
		),

		ExitCode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "k6pilot_exit_code",
				Help: "Exit status of the last run",
			},
		),
	}
}

// RecordStage records how long a stage took and whether it succeeded.
func (m *PrometheusMetrics) RecordStage(stage string, success bool, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, result(success)).Observe(d.Seconds())
}

// RecordProvider records one generation attempt. result is one of "ok",
// "unreachable", "error" or "rejected".
func (m *PrometheusMetrics) RecordProvider(provider, result string) {
	m.ProviderRequests.WithLabelValues(provider, result).Inc()
}

// RecordToolCall records a sandbox tool call.
func (m *PrometheusMetrics) RecordToolCall(tool string, success bool, d time.Duration) {
	m.ToolCallLatency.WithLabelValues(tool, result(success)).Observe(d.Seconds())
}

// RecordRejection records a sanitizer rejection. reason is "security" or "structure".
func (m *PrometheusMetrics) RecordRejection(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

// RecordFallback records a baseline substitution at stage.
func (m *PrometheusMetrics) RecordFallback(stage string) {
	m.Fallbacks.WithLabelValues(stage).Inc()
}

// SetOutcome records the final state of a run.
func (m *PrometheusMetrics) SetOutcome(degraded bool, exitCode int) {
	if degraded {
		m.Degraded.Set(1)
	} else {
		m.Degraded.Set(0)
	}
	m.ExitCode.Set(float64(exitCode))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
