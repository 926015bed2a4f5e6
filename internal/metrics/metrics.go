// Package metrics exposes Prometheus counters for template rendering outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Token outcomes, used as the "outcome" label value.
const (
	OutcomeSubstituted = "substituted"
	OutcomeFallback    = "fallback"
	OutcomeVerbatim    = "verbatim"
	OutcomeParseError  = "parse_error"
)

// Metrics groups the renderer counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tokens    *prometheus.CounterVec
	coercions *prometheus.CounterVec
	noops     *prometheus.CounterVec
}

// New creates the counters and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryvr_vars_tokens_total",
			Help: "Template tokens processed, by outcome.",
		}, []string{"outcome"}),
		coercions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryvr_vars_coercion_fallbacks_total",
			Help: "Numeric coercions that fell back to a default, by stage.",
		}, []string{"stage"}),
		noops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryvr_vars_transform_noops_total",
			Help: "Transform stages that passed their input through unchanged, by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.tokens, m.coercions, m.noops)
	}
	return m
}

// Token records a token outcome.
func (m *Metrics) Token(outcome string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(outcome).Inc()
}

// CoercionFallback records a failed coercion within a stage.
func (m *Metrics) CoercionFallback(stage string) {
	if m == nil {
		return
	}
	m.coercions.WithLabelValues(stage).Inc()
}

// TransformNoop records a stage that could not act on its input.
func (m *Metrics) TransformNoop(stage string) {
	if m == nil {
		return
	}
	m.noops.WithLabelValues(stage).Inc()
}

// TokenCount returns the current count for an outcome. Intended for summaries and tests.
func (m *Metrics) TokenCount(outcome string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.tokens.WithLabelValues(outcome))
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
