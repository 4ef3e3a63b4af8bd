package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func TestNewStatsRegistersCountersIncrementable(t *testing.T) {
	a := assert.New(t)
	reg := prometheus.NewRegistry()
	stats := NewStats(reg)

	stats.Transformed.WithLabelValues("p1").Add(3)
	stats.Skipped.WithLabelValues("p1").Inc()
	stats.Dispatched.WithLabelValues("p1", "public.accounts").Add(2)

	families, err := reg.Gather()
	a.NoError(err)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	a.Contains(byName, "bireme_rows_transformed_total")
	a.Contains(byName, "bireme_rows_skipped_total")
	a.Contains(byName, "bireme_rows_dispatched_total")
	a.Equal(float64(3), byName["bireme_rows_transformed_total"].Metric[0].Counter.GetValue())
}

func TestTableLabelsShape(t *testing.T) {
	assert.Equal(t, prometheus.Labels{"table": "public.accounts"}, TableLabels("public.accounts"))
}
