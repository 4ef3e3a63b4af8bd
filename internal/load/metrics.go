package load

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the per-table timers a ChangeLoader reports, the Go
// replacement for Bireme's per-pipeline Codahale Timer trio
// (copyForDeleteTimer/deleteTimer/copyForInsertTimer).
type Metrics struct {
	copyForDelete  *prometheus.HistogramVec
	deleteDuration *prometheus.HistogramVec
	copyForInsert  *prometheus.HistogramVec
	modeFlips      *prometheus.CounterVec
}

// NewMetrics registers the loader's histograms with reg. Call once per
// process; pass the result to every Loader.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		copyForDelete: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "bireme_load_copy_for_delete_seconds",
			Help: "time spent streaming the delete key set into the scratch temp table",
		}, []string{"table"}),
		deleteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "bireme_load_delete_seconds",
			Help: "time spent executing the DELETE ... WHERE EXISTS anti-join",
		}, []string{"table"}),
		copyForInsert: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "bireme_load_copy_for_insert_seconds",
			Help: "time spent streaming the insert set into the target table",
		}, []string{"table"}),
		modeFlips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bireme_load_mode_flips_total",
			Help: "optimistic/pessimistic mode transitions",
		}, []string{"table", "to"}),
	}
}
