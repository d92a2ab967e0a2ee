// Package metrics holds the prometheus collectors of the audit pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PipelineMetrics struct {
	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	PhaseDuration *prometheus.HistogramVec
	PhaseFailures *prometheus.CounterVec
	LLMCalls      *prometheus.CounterVec
	StaticRuns    *prometheus.CounterVec
	TestProjects  *prometheus.CounterVec
	Augmentations *prometheus.CounterVec
	OverallRisk   prometheus.Histogram
	registry      *prometheus.Registry
}

func NewPipelineMetrics() *PipelineMetrics {
	m := &PipelineMetrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uatu_runs_started_total",
			Help: "Total number of audit runs started",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uatu_runs_finished_total",
			Help: "Total number of audit runs finished, by final status",
		}, []string{"status"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uatu_active_runs",
			Help: "Number of audit runs currently executing",
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uatu_phase_duration_seconds",
			Help:    "Time spent in each pipeline phase",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uatu_phase_failures_total",
			Help: "Total number of phases that aborted a run",
		}, []string{"phase"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uatu_llm_calls_total",
			Help: "Gateway calls by tier and outcome (ok, cache_hit, budget_exceeded, ...)",
		}, []string{"tier", "outcome"}),
		StaticRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uatu_static_runs_total",
			Help: "Static analyzer runs by mode and success",
		}, []string{"mode", "ok"}),
		TestProjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uatu_test_projects_total",
			Help: "Generated test projects executed, by run status",
		}, []string{"status"}),
		Augmentations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uatu_augmentations_total",
			Help: "Assertion augmentation attempts by outcome",
		}, []string{"reason"}),
		OverallRisk: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uatu_overall_risk_score",
			Help:    "Overall risk score of finished runs",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.RunsStarted, m.RunsFinished, m.ActiveRuns, m.PhaseDuration, m.PhaseFailures,
		m.LLMCalls, m.StaticRuns, m.TestProjects, m.Augmentations, m.OverallRisk)
	return m
}

// Handler serves this instance's registry in the prometheus text format.
func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. to add process collectors.
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCall counts one gateway outcome.
func (m *PipelineMetrics) ObserveCall(tier, outcome string) {
	m.LLMCalls.WithLabelValues(tier, outcome).Inc()
}

func (m *PipelineMetrics) ObservePhase(phase string, d time.Duration, err error) {
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if err != nil {
		m.PhaseFailures.WithLabelValues(phase).Inc()
	}
}

func (m *PipelineMetrics) ObserveStatic(mode string, ok bool) {
	label := "false"
	if ok {
		label = "true"
	}
	m.StaticRuns.WithLabelValues(mode, label).Inc()
}

func (m *PipelineMetrics) ObserveTestRun(status string) {
	m.TestProjects.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) ObserveAugment(reason string) {
	m.Augmentations.WithLabelValues(reason).Inc()
}

func (m *PipelineMetrics) RunStarted() {
	m.RunsStarted.Inc()
	m.ActiveRuns.Inc()
}

// RunFinished records the final status and, for completed runs, the overall
// risk score.
func (m *PipelineMetrics) RunFinished(status string, overall float64, scored bool) {
	m.ActiveRuns.Dec()
	m.RunsFinished.WithLabelValues(status).Inc()
	if scored {
		m.OverallRisk.Observe(overall)
	}
}
