// Package metrics holds the per-pipeline row counters Bireme's Java
// PipeLineStat tracked (rows transformed/skipped/dispatched), ported here as
// labeled counters rather than one timer object per pipeline. The caller
// supplies the registry; loader mode flips are counted by internal/load.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is the set of counters one PipeLine reports, labeled by its name.
type Stats struct {
	Transformed *prometheus.CounterVec
	Skipped     *prometheus.CounterVec
	Dispatched  *prometheus.CounterVec
}

// NewStats registers the pipeline-level counters with reg. Call once per
// process.
func NewStats(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		Transformed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bireme_rows_transformed_total",
			Help: "rows successfully decoded from an upstream record",
		}, []string{"pipeline"}),
		Skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bireme_rows_skipped_total",
			Help: "upstream records skipped as benign (tombstone, absent payload) or malformed",
		}, []string{"pipeline"}),
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bireme_rows_dispatched_total",
			Help: "rows handed to a table's merge queue",
		}, []string{"pipeline", "table"}),
	}
}

// TableLabels returns the {"table": table} label set for a per-table
// metric.
func TableLabels(table string) prometheus.Labels {
	return prometheus.Labels{"table": table}
}
