package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_TokenOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Token(OutcomeSubstituted)
	m.Token(OutcomeSubstituted)
	m.Token(OutcomeVerbatim)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokens.WithLabelValues(OutcomeSubstituted)))
	assert.Equal(t, 1.0, m.TokenCount(OutcomeVerbatim))
	assert.Equal(t, 0.0, m.TokenCount(OutcomeParseError))
}

func TestMetrics_StageCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CoercionFallback("add")
	m.TransformNoop("upper")
	m.TransformNoop("upper")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.coercions.WithLabelValues("add")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.noops.WithLabelValues("upper")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 2)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Token(OutcomeSubstituted)
		m.CoercionFallback("add")
		m.TransformNoop("trim")
	})
	assert.Equal(t, 0.0, m.TokenCount(OutcomeSubstituted))
}

func TestMetrics_NilRegistry(t *testing.T) {
	m := New(nil)
	m.Token(OutcomeFallback)
	assert.Equal(t, 1.0, m.TokenCount(OutcomeFallback))
}
