package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleMetrics(t *testing.T) {
	RuleEvaluations.Reset()
	ExpressionErrors.Reset()

	tests := []struct {
		name   string
		result string
		times  int
	}{
		{"matched", "matched", 3},
		{"unmatched", "unmatched", 2},
		{"error", "error", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.times; i++ {
				RuleEvaluations.WithLabelValues(tt.result).Inc()
			}
			assert.Equal(t, float64(tt.times), testutil.ToFloat64(RuleEvaluations.WithLabelValues(tt.result)))
		})
	}

	ExpressionErrors.WithLabelValues("parse", "parse").Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(ExpressionErrors))
}

func TestEvaluationDurationHistogram(t *testing.T) {
	EvaluationDuration.Reset()
	EvaluationDuration.WithLabelValues("search").Observe(0.0005)
	EvaluationDuration.WithLabelValues("search").Observe(0.002)

	m := &dto.Metric{}
	obs, ok := EvaluationDuration.WithLabelValues("search").(prometheus.Histogram)
	require.True(t, ok)
	require.NoError(t, obs.Write(m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.0025, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestForwardMetricsExposition(t *testing.T) {
	ForwardsTotal.Reset()
	ForwardsTotal.WithLabelValues("success").Inc()

	expected := `
# HELP sift_forwards_total Total number of forwarded messages by result
# TYPE sift_forwards_total counter
sift_forwards_total{result="success"} 1
`
	require.NoError(t, testutil.CollectAndCompare(ForwardsTotal, strings.NewReader(expected)))
}
