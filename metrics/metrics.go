// Package metrics holds the Prometheus collectors of the workflow engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "promptflow"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeFiltered = "filtered"
)

// Metrics is a set of collectors registered on one registerer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	steps         *prometheus.CounterVec
	forEachItems  *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	promptTokens  prometheus.Counter
	eventsDropped prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by outcome.",
		}, []string{"outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed workflow nodes by kind and outcome.",
		}, []string{"kind", "outcome"}),
		forEachItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "foreach_items_total",
			Help:      "ForEach items by outcome.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Duration of generative-text calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		promptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_prompt_tokens_total",
			Help:      "Estimated prompt tokens sent to the provider.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Progress events dropped because the subscriber was too slow.",
		}),
	}
	reg.MustRegister(m.runs, m.steps, m.forEachItems, m.callDuration, m.promptTokens, m.eventsDropped)
	return m
}

// RunFinished counts a run.
func (m *Metrics) RunFinished(ok bool) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome(ok)).Inc()
}

// StepFinished counts a node execution.
func (m *Metrics) StepFinished(kind string, ok bool) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(kind, outcome(ok)).Inc()
}

// ForEachItem counts a forEach item with one of the outcome labels.
func (m *Metrics) ForEachItem(result string) {
	if m == nil {
		return
	}
	m.forEachItems.WithLabelValues(result).Inc()
}

// ObserveCall records the duration of a provider call.
func (m *Metrics) ObserveCall(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// AddPromptTokens adds estimated prompt tokens.
func (m *Metrics) AddPromptTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.promptTokens.Add(float64(n))
}

// EventDropped counts one dropped progress event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func outcome(ok bool) string {
	if ok {
		return OutcomeOK
	}
	return OutcomeFailed
}
